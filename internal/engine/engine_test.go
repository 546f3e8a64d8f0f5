package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"echoline/internal/config"
	"echoline/internal/db"
	"echoline/internal/domain"
	"echoline/internal/engine"
	"echoline/internal/migrate"
	"echoline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	MapID  string
	clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-deployment")
	eng := engine.New(conn, cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Engine: eng, Ctx: context.Background(), clock: &now}
	env.Engine.Now = func() time.Time { return *env.clock }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

// seedTiles registers a map and ingests n tiles with deterministic IDs so
// oldest-first assignment order is predictable.
func (env *testEnv) seedTiles(t *testing.T, n int) []domain.Tile {
	t.Helper()
	m, err := env.Engine.RegisterMap(env.Ctx, "survey", "https://example.com/scan.laz", "admin")
	if err != nil {
		t.Fatalf("register map: %v", err)
	}
	env.MapID = m.ID
	ingest := make([]engine.TileIngest, 0, n)
	for i := 0; i < n; i++ {
		ingest = append(ingest, engine.TileIngest{
			ID:       fmt.Sprintf("tile-%02d", i),
			Name:     fmt.Sprintf("r0c%d", i),
			MinLat:   0, MinLng: 0, MaxLat: 1, MaxLng: 1,
			ImageURL: fmt.Sprintf("https://tiles.example.com/r0c%d.png", i),
		})
	}
	tiles, err := env.Engine.IngestTiles(env.Ctx, m.ID, ingest, 1, n, "pipeline")
	if err != nil {
		t.Fatalf("ingest tiles: %v", err)
	}
	return tiles
}

const triangle = `{"type":"Polygon","coordinates":[[[0.1,0.1],[0.3,0.1],[0.2,0.3],[0.1,0.1]]]}`

func (env *testEnv) annotate(t *testing.T, tileID, userID string) domain.Annotation {
	t.Helper()
	a, err := env.Engine.CreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		TileID:       tileID,
		UserID:       userID,
		GeometryJSON: triangle,
		Label:        "Burial mound",
		Period:       "Iron Age",
	})
	if err != nil {
		t.Fatalf("create annotation: %v", err)
	}
	return a
}

func TestAssignOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 3)

	a, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("assign alice: %v", err)
	}
	if a.ID != "tile-00" {
		t.Fatalf("expected oldest tile, got %s", a.ID)
	}
	if a.Status != "in_progress" || a.AssignedTo == nil || *a.AssignedTo != "alice" {
		t.Fatalf("unexpected tile state: %+v", a)
	}

	b, err := env.Engine.Assign(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("assign bob: %v", err)
	}
	if b.ID == a.ID {
		t.Fatalf("two users received the same tile %s", a.ID)
	}
}

func TestAssignResumesCurrentTile(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 3)

	first, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected resumed tile %s, got %s", first.ID, again.ID)
	}
	// a user never holds two tiles
	tiles, err := env.Engine.Repo.ListTiles(env.Ctx, repo.TileFilters{AssignedTo: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) != 1 {
		t.Fatalf("expected 1 assigned tile, got %d", len(tiles))
	}
}

func TestAssignEmptyPool(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 1)

	if _, err := env.Engine.Assign(env.Ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Assign(env.Ctx, "bob")
	if !errors.Is(err, engine.ErrNoTilesAvailable) {
		t.Fatalf("expected ErrNoTilesAvailable, got %v", err)
	}
}

func TestAssignMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 1)

	const callers = 8
	var wg sync.WaitGroup
	tiles := make([]domain.Tile, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tiles[i], errs[i] = env.Engine.Assign(env.Ctx, fmt.Sprintf("user-%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < callers; i++ {
		switch {
		case errs[i] == nil:
			winners++
			if tiles[i].ID != "tile-00" {
				t.Fatalf("caller %d won unexpected tile %s", i, tiles[i].ID)
			}
		case errors.Is(errs[i], engine.ErrNoTilesAvailable):
		default:
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestSkipOwnership(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 2)

	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Skip(env.Ctx, tile.ID, "bob"); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := env.Engine.Skip(env.Ctx, "missing", "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := env.Engine.Skip(env.Ctx, tile.ID, "alice"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	released, err := env.Engine.Repo.GetTile(env.Ctx, tile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if released.Status != "available" || released.AssignedTo != nil {
		t.Fatalf("expected tile back in pool, got %+v", released)
	}
}

func TestSkipLimit(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 5)

	for i := 0; i < 3; i++ {
		tile, err := env.Engine.Assign(env.Ctx, "alice")
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if err := env.Engine.Skip(env.Ctx, tile.ID, "alice"); err != nil {
			t.Fatalf("skip %d: %v", i, err)
		}
	}
	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	err = env.Engine.Skip(env.Ctx, tile.ID, "alice")
	var limitErr engine.SkipLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected SkipLimitError, got %v", err)
	}
	if limitErr.Limit != 3 {
		t.Fatalf("expected limit 3, got %d", limitErr.Limit)
	}
	// a denied skip leaves the tile assigned
	kept, err := env.Engine.Repo.GetTile(env.Ctx, tile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != "in_progress" || kept.AssignedTo == nil || *kept.AssignedTo != "alice" {
		t.Fatalf("denied skip mutated tile: %+v", kept)
	}
}

func TestCompleteResetsSkipBudget(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 6)

	for i := 0; i < 3; i++ {
		tile, err := env.Engine.Assign(env.Ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Skip(env.Ctx, tile.ID, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	a := env.annotate(t, tile.ID, "alice")
	if _, err := env.Engine.Complete(env.Ctx, tile.ID, "alice", []string{a.ID}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	used, err := env.Engine.Repo.SkipsUsed(env.Ctx, nil, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Fatalf("expected skip budget reset, got %d used", used)
	}
}

func TestComplete(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 2)

	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.Complete(env.Ctx, tile.ID, "alice", nil)
	if !errors.Is(err, engine.ErrNoAnnotations) {
		t.Fatalf("expected ErrNoAnnotations, got %v", err)
	}

	a := env.annotate(t, tile.ID, "alice")

	_, err = env.Engine.Complete(env.Ctx, tile.ID, "bob", []string{a.ID})
	if err == nil {
		t.Fatalf("expected rejection for foreign submitter")
	}

	done, err := env.Engine.Complete(env.Ctx, tile.ID, "alice", []string{a.ID})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.AssignedTo != nil {
		t.Fatalf("expected assignment cleared, got %v", *done.AssignedTo)
	}
	if done.CompletedBy == nil || *done.CompletedBy != "alice" {
		t.Fatalf("expected completedBy alice, got %+v", done.CompletedBy)
	}
	if done.AnnotatedImageURL == nil || *done.AnnotatedImageURL != "https://tiles.example.com/r0c0-annotated.png" {
		t.Fatalf("unexpected annotated image url: %+v", done.AnnotatedImageURL)
	}
	if done.CompletedAt == nil {
		t.Fatalf("expected completedAt set")
	}

	ids, err := env.Engine.Repo.AttachedAnnotationIDs(env.Ctx, tile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != a.ID {
		t.Fatalf("unexpected attached annotations: %v", ids)
	}

	// completed tiles cannot be completed again
	if _, err := env.Engine.Complete(env.Ctx, tile.ID, "alice", []string{a.ID}); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner on re-complete, got %v", err)
	}
}

func TestCompleteRejectsForeignAnnotations(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 2)

	alice, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := env.Engine.Assign(env.Ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	bobAnn := env.annotate(t, bob.ID, "bob")

	if _, err := env.Engine.Complete(env.Ctx, alice.ID, "alice", []string{bobAnn.ID}); err == nil {
		t.Fatalf("expected rejection of another tile's annotation")
	}
	// failed completion leaves the tile in progress
	kept, err := env.Engine.Repo.GetTile(env.Ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if kept.Status != "in_progress" {
		t.Fatalf("expected in_progress after failed complete, got %s", kept.Status)
	}
}

func TestMarkNoEcho(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 1)

	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkNoEcho(env.Ctx, tile.ID, "bob"); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	done, err := env.Engine.MarkNoEcho(env.Ctx, tile.ID, "alice")
	if err != nil {
		t.Fatalf("no-echo: %v", err)
	}
	if done.Status != "completed" || !done.NoEcho {
		t.Fatalf("unexpected tile state: %+v", done)
	}
	if done.AnnotatedImageURL != nil {
		t.Fatalf("no-echo tile should not have an annotated image")
	}
}

func TestReclaimStaleAssignments(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Assignment.ReclaimAfter = "1h"
	env.seedTiles(t, 1)

	stale, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	env.advance(2 * time.Hour)

	tile, err := env.Engine.Assign(env.Ctx, "bob")
	if err != nil {
		t.Fatalf("expected reclaim to free the tile: %v", err)
	}
	if tile.ID != stale.ID {
		t.Fatalf("expected reclaimed tile %s, got %s", stale.ID, tile.ID)
	}
	if tile.AssignedTo == nil || *tile.AssignedTo != "bob" {
		t.Fatalf("unexpected assignee: %+v", tile.AssignedTo)
	}
}

func TestAnnotationValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 2)

	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		opts engine.AnnotationCreateOptions
	}{
		{"unknown label", engine.AnnotationCreateOptions{
			TileID: tile.ID, UserID: "alice", GeometryJSON: triangle, Label: "Castle", Period: "Iron Age",
		}},
		{"unknown period", engine.AnnotationCreateOptions{
			TileID: tile.ID, UserID: "alice", GeometryJSON: triangle, Label: "Road", Period: "Jurassic",
		}},
		{"missing geometry", engine.AnnotationCreateOptions{
			TileID: tile.ID, UserID: "alice", Label: "Road", Period: "Iron Age",
		}},
		{"not a polygon", engine.AnnotationCreateOptions{
			TileID: tile.ID, UserID: "alice", Label: "Road", Period: "Iron Age",
			GeometryJSON: `{"type":"Point","coordinates":[0.5,0.5]}`,
		}},
		{"zero area", engine.AnnotationCreateOptions{
			TileID: tile.ID, UserID: "alice", Label: "Road", Period: "Iron Age",
			GeometryJSON: `{"type":"Polygon","coordinates":[[[0.1,0.1],[0.1,0.1],[0.1,0.1],[0.1,0.1]]]}`,
		}},
		{"outside bounds", engine.AnnotationCreateOptions{
			TileID: tile.ID, UserID: "alice", Label: "Road", Period: "Iron Age",
			GeometryJSON: `{"type":"Polygon","coordinates":[[[0.1,0.1],[1.5,0.1],[0.2,0.3],[0.1,0.1]]]}`,
		}},
	}
	for _, tc := range cases {
		if _, err := env.Engine.CreateAnnotation(env.Ctx, tc.opts); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}

	// an open ring is closed on write
	open := `{"type":"Polygon","coordinates":[[[0.1,0.1],[0.3,0.1],[0.2,0.3]]]}`
	a, err := env.Engine.CreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		TileID: tile.ID, UserID: "alice", GeometryJSON: open, Label: "Road", Period: "Iron Age",
	})
	if err != nil {
		t.Fatalf("open ring: %v", err)
	}
	stored, err := env.Engine.Repo.GetAnnotation(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.GeometryJSON == open {
		t.Fatalf("expected normalized geometry, got input verbatim")
	}

	// annotations only land on the caller's in_progress tile
	_, err = env.Engine.CreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		TileID: tile.ID, UserID: "bob", GeometryJSON: triangle, Label: "Road", Period: "Iron Age",
	})
	if !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestNoIdeaToggle(t *testing.T) {
	env := newTestEnv(t)
	env.seedTiles(t, 1)
	tile, err := env.Engine.Assign(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		TileID: tile.ID, UserID: "alice", GeometryJSON: triangle, Label: "No idea", Period: "No idea",
	}); err != nil {
		t.Fatalf("default allows No idea: %v", err)
	}

	off := false
	env.Engine.Config.Annotations.AllowNoIdea = &off
	if _, err := env.Engine.CreateAnnotation(env.Ctx, engine.AnnotationCreateOptions{
		TileID: tile.ID, UserID: "alice", GeometryJSON: triangle, Label: "No idea", Period: "Iron Age",
	}); err == nil {
		t.Fatalf("expected rejection with allow_no_idea off")
	}
}

func TestMapStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.RegisterMap(env.Ctx, "survey", "", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "processing" {
		t.Fatalf("expected processing, got %s", m.Status)
	}
	if _, err := env.Engine.SetMapStatus(env.Ctx, m.ID, "processing", "pipeline"); err == nil {
		t.Fatalf("expected invalid transition error")
	}
	if _, err := env.Engine.SetMapStatus(env.Ctx, m.ID, "failed", "pipeline"); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if _, err := env.Engine.SetMapStatus(env.Ctx, m.ID, "processing", "pipeline"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if _, err := env.Engine.SetMapStatus(env.Ctx, m.ID, "ready", "pipeline"); err != nil {
		t.Fatalf("to ready: %v", err)
	}
	if _, err := env.Engine.SetMapStatus(env.Ctx, m.ID, "processing", "pipeline"); err == nil {
		t.Fatalf("expected ready to be terminal")
	}
}

func TestRegisterUserRoles(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.RegisterUser(env.Ctx, "admin", "admin@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if first.Role != "SUPER_ADMIN" {
		t.Fatalf("first user should be SUPER_ADMIN, got %s", first.Role)
	}
	second, err := env.Engine.RegisterUser(env.Ctx, "alice", "alice@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if second.Role != "USER" {
		t.Fatalf("expected USER, got %s", second.Role)
	}
	if _, err := env.Engine.RegisterUser(env.Ctx, "alice", "other@example.com", "hunter2hunter2"); err == nil {
		t.Fatalf("expected duplicate username rejection")
	}

	if _, err := env.Engine.Authenticate(env.Ctx, "alice@example.com", "wrong-password"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	u, err := env.Engine.Authenticate(env.Ctx, "alice@example.com", "hunter2hunter2")
	if err != nil || u.ID != second.ID {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := env.Engine.SetUserRole(env.Ctx, second.ID, "SUPER_ADMIN", second.ID); err == nil {
		t.Fatalf("expected non-admin role change to fail")
	}
	promoted, err := env.Engine.SetUserRole(env.Ctx, second.ID, "SUPER_ADMIN", first.ID)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted.Role != "SUPER_ADMIN" {
		t.Fatalf("expected promotion, got %s", promoted.Role)
	}
}
