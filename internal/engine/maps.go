package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"echoline/internal/domain"
	"echoline/internal/events"
)

// RegisterMap records an uploaded map awaiting tiling by the pipeline.
func (e Engine) RegisterMap(ctx context.Context, name, sourceURL, actorID string) (domain.Map, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Map{}, errors.New("name is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Map{
		ID:        uuid.New().String(),
		Name:      name,
		SourceURL: sourceURL,
		Status:    "processing",
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Map{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMap(ctx, tx, m); err != nil {
		return domain.Map{}, err
	}
	if err := e.Events.Append(ctx, tx, "map.registered", m.ID, "map", m.ID, actorID, events.EventPayload{"name": m.Name}); err != nil {
		return domain.Map{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Map{}, err
	}
	return m, nil
}

func ensureMapTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "processing":
		if newStatus == "ready" || newStatus == "failed" {
			return nil
		}
	case "failed":
		if newStatus == "processing" {
			return nil
		}
	}
	return fmt.Errorf("invalid map status transition %s -> %s", oldStatus, newStatus)
}

// SetMapStatus is called by the tiling pipeline to report progress.
func (e Engine) SetMapStatus(ctx context.Context, mapID, status, actorID string) (domain.Map, error) {
	m, err := e.Repo.GetMap(ctx, mapID)
	if err != nil {
		return domain.Map{}, err
	}
	if err := ensureMapTransition(m.Status, status); err != nil {
		return domain.Map{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Map{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMapStatus(ctx, tx, mapID, status, now); err != nil {
		return domain.Map{}, err
	}
	if err := e.Events.Append(ctx, tx, "map.status", mapID, "map", mapID, actorID, events.EventPayload{"from": m.Status, "to": status}); err != nil {
		return domain.Map{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Map{}, err
	}
	m.Status = status
	m.UpdatedAt = now
	return m, nil
}

// TileIngest is one tile record pushed by the tiling pipeline.
type TileIngest struct {
	ID       string
	Name     string
	MinLat   float64
	MinLng   float64
	MaxLat   float64
	MaxLng   float64
	ImageURL string
}

// IngestTiles bulk-inserts pipeline-produced tiles for a map. All tiles land
// in the available pool in one transaction.
func (e Engine) IngestTiles(ctx context.Context, mapID string, tiles []TileIngest, rows, cols int, actorID string) ([]domain.Tile, error) {
	if len(tiles) == 0 {
		return nil, errors.New("tiles required")
	}
	if _, err := e.Repo.GetMap(ctx, mapID); err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := make([]domain.Tile, 0, len(tiles))
	for i, in := range tiles {
		if strings.TrimSpace(in.ImageURL) == "" {
			return nil, fmt.Errorf("tile %d: image_url is required", i)
		}
		if in.MinLat > in.MaxLat || in.MinLng > in.MaxLng {
			return nil, fmt.Errorf("tile %d: inverted bounds", i)
		}
		t := domain.Tile{
			ID:        in.ID,
			MapID:     mapID,
			Name:      in.Name,
			MinLat:    in.MinLat,
			MinLng:    in.MinLng,
			MaxLat:    in.MaxLat,
			MaxLng:    in.MaxLng,
			Status:    "available",
			ImageURL:  in.ImageURL,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		if err := e.Repo.InsertTile(ctx, tx, t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if rows > 0 || cols > 0 {
		if err := e.Repo.UpdateMapGrid(ctx, tx, mapID, rows, cols, now); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "tiles.ingested", mapID, "map", mapID, actorID, events.EventPayload{"count": len(res)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}
