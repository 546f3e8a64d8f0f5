package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"echoline/internal/config"
	"echoline/internal/domain"
	"echoline/internal/events"
	"echoline/internal/repo"
)

var (
	// ErrNoTilesAvailable means the available pool is empty and the caller
	// holds no in_progress tile to resume.
	ErrNoTilesAvailable = errors.New("no tiles available")
	// ErrNotOwner means the tile is not in_progress under the calling user.
	ErrNotOwner = errors.New("tile not assigned to user")
	// ErrNoAnnotations rejects a submission with an empty annotation set.
	ErrNoAnnotations = errors.New("at least one annotation required")
)

// SkipLimitError is returned when a skip would exceed the session budget.
type SkipLimitError struct {
	Limit int
}

func (e SkipLimitError) Error() string {
	return fmt.Sprintf("skip limit of %d reached for this session", e.Limit)
}

// ForbiddenError indicates the acting user lacks the required role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Assign hands the user a tile. Resuming an existing in_progress tile wins
// over claiming a fresh one, so a user can never hold two tiles at once. The
// claim itself is a conditional UPDATE: losing the race to another caller
// just retries with the next available tile.
func (e Engine) Assign(ctx context.Context, userID string) (domain.Tile, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Tile{}, errors.New("user required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tile{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)

	if ttl := e.Config.ReclaimAfter(); ttl > 0 {
		cutoff := now.Add(-ttl).Format(time.RFC3339)
		reclaimed, err := e.Repo.ReclaimStaleTiles(ctx, tx, cutoff, nowStr)
		if err != nil {
			return domain.Tile{}, err
		}
		for _, id := range reclaimed {
			if err := e.Events.Append(ctx, tx, "tile.reclaimed", "", "tile", id, userID, events.EventPayload{"cutoff": cutoff}); err != nil {
				return domain.Tile{}, err
			}
		}
	}

	current, err := e.Repo.InProgressTileForUser(ctx, tx, userID)
	if err == nil {
		if err := e.Events.Append(ctx, tx, "tile.resumed", current.MapID, "tile", current.ID, userID, nil); err != nil {
			return domain.Tile{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Tile{}, err
		}
		return current, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Tile{}, err
	}

	won, err := e.Repo.ClaimOldestAvailable(ctx, tx, userID, nowStr)
	if err != nil {
		return domain.Tile{}, err
	}
	if !won {
		return domain.Tile{}, ErrNoTilesAvailable
	}
	tile, err := e.Repo.InProgressTileForUser(ctx, tx, userID)
	if err != nil {
		return domain.Tile{}, err
	}
	if err := e.Events.Append(ctx, tx, "tile.assigned", tile.MapID, "tile", tile.ID, userID, nil); err != nil {
		return domain.Tile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tile{}, err
	}
	return tile, nil
}

// Assigned returns the user's current in_progress tile.
func (e Engine) Assigned(ctx context.Context, userID string) (domain.Tile, error) {
	tile, err := e.Repo.InProgressTileForUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Tile{}, repo.ErrNotFound
	}
	return tile, err
}

// Skip returns the user's tile to the pool and spends one skip from the
// session budget. The budget is checked before any mutation; a denied skip
// leaves the tile assigned.
func (e Engine) Skip(ctx context.Context, tileID, userID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	limit := e.Config.SkipLimit()
	used, err := e.Repo.SkipsUsed(ctx, tx, userID)
	if err != nil {
		return err
	}
	if used >= limit {
		return SkipLimitError{Limit: limit}
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	released, err := e.Repo.ReleaseTile(ctx, tx, tileID, userID, nowStr)
	if err != nil {
		return err
	}
	if !released {
		if _, err := e.Repo.GetTileTx(ctx, tx, tileID); errors.Is(err, repo.ErrNotFound) {
			return repo.ErrNotFound
		}
		return ErrNotOwner
	}
	if _, err := e.Repo.IncrementSkips(ctx, tx, userID, nowStr); err != nil {
		return err
	}
	tile, err := e.Repo.GetTileTx(ctx, tx, tileID)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "tile.skipped", tile.MapID, "tile", tileID, userID, events.EventPayload{"skips_used": used + 1}); err != nil {
		return err
	}
	return tx.Commit()
}

// Complete finalizes the user's tile with the given annotations. Every
// referenced annotation must exist and belong to this tile and user. The
// status flip, the annotation attachment, and the skip-budget reset commit
// atomically; any failure leaves the tile in_progress.
func (e Engine) Complete(ctx context.Context, tileID, userID string, annotationIDs []string) (domain.Tile, error) {
	if len(annotationIDs) == 0 {
		return domain.Tile{}, ErrNoAnnotations
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tile{}, err
	}
	defer tx.Rollback()

	for _, id := range annotationIDs {
		a, err := e.Repo.GetAnnotationTx(ctx, tx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Tile{}, fmt.Errorf("annotation %s not found", id)
			}
			return domain.Tile{}, err
		}
		if a.TileID != tileID {
			return domain.Tile{}, fmt.Errorf("annotation %s belongs to a different tile", id)
		}
		if a.UserID != userID {
			return domain.Tile{}, fmt.Errorf("annotation %s belongs to a different user", id)
		}
	}

	tile, err := e.Repo.GetTileTx(ctx, tx, tileID)
	if err != nil {
		return domain.Tile{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	annotatedURL := annotatedImageURL(tile.ImageURL)
	done, err := e.Repo.CompleteTile(ctx, tx, tileID, userID, false, &annotatedURL, nowStr)
	if err != nil {
		return domain.Tile{}, err
	}
	if !done {
		return domain.Tile{}, ErrNotOwner
	}
	if err := e.Repo.AttachAnnotations(ctx, tx, tileID, annotationIDs); err != nil {
		return domain.Tile{}, err
	}
	if err := e.Repo.ResetSkips(ctx, tx, userID, nowStr); err != nil {
		return domain.Tile{}, err
	}
	if err := e.Events.Append(ctx, tx, "tile.completed", tile.MapID, "tile", tileID, userID, events.EventPayload{"annotations": len(annotationIDs)}); err != nil {
		return domain.Tile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tile{}, err
	}
	return e.Repo.GetTile(ctx, tileID)
}

// MarkNoEcho completes a tile that shows no archaeological features. No
// annotations are required; ownership is enforced the same way as Complete.
func (e Engine) MarkNoEcho(ctx context.Context, tileID, userID string) (domain.Tile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tile{}, err
	}
	defer tx.Rollback()

	tile, err := e.Repo.GetTileTx(ctx, tx, tileID)
	if err != nil {
		return domain.Tile{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	done, err := e.Repo.CompleteTile(ctx, tx, tileID, userID, true, nil, nowStr)
	if err != nil {
		return domain.Tile{}, err
	}
	if !done {
		return domain.Tile{}, ErrNotOwner
	}
	if err := e.Repo.ResetSkips(ctx, tx, userID, nowStr); err != nil {
		return domain.Tile{}, err
	}
	if err := e.Events.Append(ctx, tx, "tile.no_echo", tile.MapID, "tile", tileID, userID, nil); err != nil {
		return domain.Tile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tile{}, err
	}
	return e.Repo.GetTile(ctx, tileID)
}

// annotatedImageURL derives the overlay image location from the base tile
// image, e.g. tiles/r2c3.png -> tiles/r2c3-annotated.png.
func annotatedImageURL(imageURL string) string {
	ext := path.Ext(imageURL)
	if ext == "" {
		return imageURL + "-annotated"
	}
	return strings.TrimSuffix(imageURL, ext) + "-annotated" + ext
}
