package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"echoline/internal/config"
	"echoline/internal/db"
	"echoline/internal/engine"
	"echoline/internal/migrate"
	"echoline/internal/repo"
	"echoline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Echoline CLI",
	Long: `Echoline coordinates crowdsourced annotation of LiDAR map tiles.
Core concepts:
- Workspace: your .echoline directory with the database; config lives in echoline.yml.
- Maps: uploaded LiDAR scans the tiling pipeline cuts into a grid of tiles.
- Tiles: units of work; they flow available -> in_progress -> completed.
- Assignment: each annotator holds at most one tile at a time; asking again
  resumes the same tile.
- Skips: a per-session budget of tiles you may hand back; submitting resets it.
- Annotations: labeled GeoJSON polygons drawn on a tile, with a period estimate.
- No-echo: completing a tile that genuinely shows no archaeological features.
- Event log: diary of changes, view with 'el log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ECHOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(mapCmd())
	rootCmd.AddCommand(tileCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage deployment config",
		Long:  "Config is the rulebook (echoline.yml): the skip budget, the stale-assignment TTL, and the label/period catalogs annotations must use.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default echoline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "echoline", "deployment id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"config": cfg, "database": db.Path(workspace)})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate echoline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func mapCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "map",
		Short: "Manage maps",
		Long:  "Maps are uploaded LiDAR scans. They start processing, the tiling pipeline pushes tiles, and they end ready (or failed).",
	}
	m.AddCommand(mapRegisterCmd())
	m.AddCommand(mapListCmd())
	m.AddCommand(mapShowCmd())
	m.AddCommand(mapSetStatusCmd())
	m.AddCommand(mapIngestCmd())
	return m
}

func mapRegisterCmd() *cobra.Command {
	var name, sourceURL string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an uploaded map",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.RegisterMap(ctx, name, sourceURL, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "map name")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "source scan URL")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func mapListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List maps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				maps, err := e.Repo.ListMaps(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(maps)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Rows", "Cols"})
				for _, m := range maps {
					tw.AppendRow(table.Row{m.ID, m.Name, m.Status, m.Rows, m.Cols})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func mapShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a map with tile progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.Repo.GetMap(ctx, args[0])
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTilesByStatus(ctx, m.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"map": m, "tiles": counts})
			})
		},
	}
	return cmd
}

func mapSetStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Update a map's processing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SetMapStatus(ctx, args[0], status, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (processing, ready, failed)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func mapIngestCmd() *cobra.Command {
	var filePath string
	var rows, cols int
	cmd := &cobra.Command{
		Use:   "ingest <map-id>",
		Short: "Bulk-insert tiles from a JSON file",
		Long:  "Reads a JSON array of tiles ({name, minLat, minLng, maxLat, maxLng, imageUrl}) and inserts them into the available pool.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tiles []engine.TileIngest
			if err := json.Unmarshal(data, &tiles); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.IngestTiles(ctx, args[0], tiles, rows, cols, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Ingested %d tiles\n", len(res))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to tiles JSON")
	cmd.Flags().IntVar(&rows, "rows", 0, "grid rows")
	cmd.Flags().IntVar(&cols, "cols", 0, "grid cols")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tileCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "tile",
		Short: "Work on tiles",
		Long:  "Tiles are the units of annotation work. Assign one, draw polygons on it, then submit, skip, or mark no-echo.",
	}
	t.AddCommand(tileAssignCmd())
	t.AddCommand(tileAssignedCmd())
	t.AddCommand(tileSkipCmd())
	t.AddCommand(tileSessionCmd())
	t.AddCommand(tileSubmitCmd())
	t.AddCommand(tileNoEchoCmd())
	t.AddCommand(tileListCmd())
	t.AddCommand(tileGetCmd())
	return t
}

func tileAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign the oldest available tile to the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tile, err := e.Assign(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tile)
			})
		},
	}
	return cmd
}

func tileAssignedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assigned",
		Short: "Show the acting user's current tile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tile, err := e.Assigned(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tile)
			})
		},
	}
	return cmd
}

func tileSkipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <id>",
		Short: "Return a tile to the pool, spending one skip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				userID := viper.GetString("user-id")
				if err := e.Skip(ctx, args[0], userID); err != nil {
					return err
				}
				used, err := e.Repo.SkipsUsed(ctx, nil, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"skipsUsed": used, "skipLimit": e.Config.SkipLimit()})
			})
		},
	}
	return cmd
}

func tileSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show the acting user's skip budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sess, err := e.Repo.GetSkipSession(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"skipsUsed": sess.SkipsUsed, "skipLimit": e.Config.SkipLimit()})
			})
		},
	}
	return cmd
}

func tileSubmitCmd() *cobra.Command {
	var annotationIDs []string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Complete a tile with its annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tile, err := e.Complete(ctx, args[0], viper.GetString("user-id"), annotationIDs)
				if err != nil {
					return err
				}
				return printJSONOrTable(tile)
			})
		},
	}
	cmd.Flags().StringArrayVar(&annotationIDs, "annotation", []string{}, "annotation id (repeatable)")
	return cmd
}

func tileNoEchoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "no-echo <id>",
		Short: "Complete a tile that contains no features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tile, err := e.MarkNoEcho(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tile)
			})
		},
	}
	return cmd
}

func tileListCmd() *cobra.Command {
	var f repo.TileFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tiles, err := e.Repo.ListTiles(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tiles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Map", "Status", "Assigned", "Completed By"})
				for _, t := range tiles {
					assigned := ""
					if t.AssignedTo != nil {
						assigned = *t.AssignedTo
					}
					completedBy := ""
					if t.CompletedBy != nil {
						completedBy = *t.CompletedBy
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.MapID, t.Status, assigned, completedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MapID, "map", "", "map filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func tileGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a tile with its annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tile, err := e.Repo.GetTile(ctx, args[0])
				if err != nil {
					return err
				}
				anns, err := e.AnnotationsForTile(ctx, tile.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"tile": tile, "annotations": anns})
			})
		},
	}
	return cmd
}

func annotateCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "annotate",
		Short: "Manage annotations",
		Long:  "Annotations are labeled GeoJSON polygons drawn inside a tile's bounds, each with a historical period estimate.",
	}
	a.AddCommand(annotateAddCmd())
	a.AddCommand(annotateListCmd())
	return a
}

func annotateAddCmd() *cobra.Command {
	var tileID, geometry, label, period, notes string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a polygon on the acting user's tile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAnnotation(ctx, engine.AnnotationCreateOptions{
					TileID:       tileID,
					UserID:       viper.GetString("user-id"),
					GeometryJSON: geometry,
					Label:        label,
					Period:       period,
					Notes:        notes,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&tileID, "tile", "", "tile id")
	cmd.Flags().StringVar(&geometry, "geometry-json", "", "GeoJSON Polygon geometry")
	cmd.Flags().StringVar(&label, "label", "", "feature label")
	cmd.Flags().StringVar(&period, "period", "", "historical period")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("tile")
	_ = cmd.MarkFlagRequired("geometry-json")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("period")
	return cmd
}

func annotateListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if userID == "" {
					userID = viper.GetString("user-id")
				}
				items, err := e.AnnotationsByUser(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (defaults to acting user)")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	u.AddCommand(userRegisterCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userSetRoleCmd())
	u.AddCommand(userAPIKeyCmd())
	return u
}

func userRegisterCmd() *cobra.Command {
	var username, email, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account (first account becomes SUPER_ADMIN)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, username, email, password)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&password, "password", "", "password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Username", "Email", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Username, u.Email, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userSetRoleCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "set-role <id>",
		Short: "Change an account's role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.SetUserRole(ctx, args[0], role, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role (SUPER_ADMIN, USER)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userAPIKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "api-key",
		Short: "Manage pipeline API keys",
	}
	k.AddCommand(userAPIKeyIssueCmd())
	k.AddCommand(userAPIKeyListCmd())
	k.AddCommand(userAPIKeyRevokeCmd())
	return k
}

func userAPIKeyIssueCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a pipeline API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, viper.GetString("user-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "name": key.Name, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func userAPIKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issued API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Issued By", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.ActorID, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by issuing user")
	return cmd
}

func userAPIKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show deployment progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tiles, err := e.Repo.CountTilesByStatus(ctx, "")
				if err != nil {
					return err
				}
				byUser, err := e.Repo.CountAnnotationsByUser(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"tiles":             tiles,
					"annotationsByUser": byUser,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println("Tiles:")
				for status, c := range tiles {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Annotations by user:")
				for user, c := range byUser {
					fmt.Printf("  %s: %d\n", user, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: assignments, skips, submissions, ingests, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var mapID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, mapID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&mapID, "map", "", "map filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ECHOLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ECHOLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Context: cmd.Context()})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Echoline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("echoline")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
