package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"echoline/internal/domain"
	"echoline/internal/events"
	"echoline/internal/repo"
)

const noIdea = "No idea"

// AnnotationCreateOptions are parameters for creating an annotation.
type AnnotationCreateOptions struct {
	TileID       string
	UserID       string
	Type         string
	GeometryJSON string
	Label        string
	Period       string
	Notes        string
}

// CreateAnnotation validates and persists a single annotation against the
// caller's in_progress tile. Tile state is never mutated here; annotations
// become part of a tile only at submission.
func (e Engine) CreateAnnotation(ctx context.Context, opts AnnotationCreateOptions) (domain.Annotation, error) {
	if opts.Type == "" {
		opts.Type = "polygon"
	}
	if opts.Type != "polygon" {
		return domain.Annotation{}, fmt.Errorf("unsupported annotation type %s", opts.Type)
	}
	if err := e.validateClassification(opts.Label, opts.Period); err != nil {
		return domain.Annotation{}, err
	}

	tile, err := e.Repo.GetTile(ctx, opts.TileID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if tile.Status != "in_progress" || tile.AssignedTo == nil || *tile.AssignedTo != opts.UserID {
		return domain.Annotation{}, ErrNotOwner
	}

	normalized, err := validatePolygon(opts.GeometryJSON, tile)
	if err != nil {
		return domain.Annotation{}, err
	}

	a := domain.Annotation{
		ID:           uuid.New().String(),
		TileID:       opts.TileID,
		UserID:       opts.UserID,
		Type:         opts.Type,
		GeometryJSON: normalized,
		Label:        opts.Label,
		Period:       opts.Period,
		Notes:        strings.TrimSpace(opts.Notes),
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAnnotation(ctx, tx, a); err != nil {
		return domain.Annotation{}, err
	}
	if err := e.Events.Append(ctx, tx, "annotation.created", tile.MapID, "annotation", a.ID, opts.UserID, events.EventPayload{
		"tile_id": a.TileID,
		"label":   a.Label,
		"period":  a.Period,
	}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

// AnnotationsByUser lists a user's annotations oldest-first.
func (e Engine) AnnotationsByUser(ctx context.Context, userID string) ([]domain.Annotation, error) {
	return e.Repo.ListAnnotations(ctx, repo.AnnotationFilters{UserID: userID})
}

// AnnotationsForTile lists the annotations drawn on a tile.
func (e Engine) AnnotationsForTile(ctx context.Context, tileID string) ([]domain.Annotation, error) {
	return e.Repo.ListAnnotations(ctx, repo.AnnotationFilters{TileID: tileID})
}

func (e Engine) validateClassification(label, period string) error {
	if label == "" {
		return errors.New("label is required")
	}
	if period == "" {
		return errors.New("period is required")
	}
	if !e.Config.HasLabel(label) {
		return fmt.Errorf("invalid label %q", label)
	}
	if !e.Config.HasPeriod(period) {
		return fmt.Errorf("invalid period %q", period)
	}
	if !e.Config.AllowNoIdea() && (label == noIdea || period == noIdea) {
		return errors.New("label and period must be classified")
	}
	return nil
}

// validatePolygon parses a GeoJSON Polygon, closes the outer ring if the
// client left it open, and checks the geometry against the tile bounds.
// Returns the normalized GeoJSON.
func validatePolygon(geometryJSON string, tile domain.Tile) (string, error) {
	if strings.TrimSpace(geometryJSON) == "" {
		return "", errors.New("geometry is required")
	}
	geom, err := geojson.UnmarshalGeometry([]byte(geometryJSON))
	if err != nil {
		return "", fmt.Errorf("invalid geometry: %w", err)
	}
	poly, ok := geom.Geometry().(orb.Polygon)
	if !ok {
		return "", fmt.Errorf("geometry must be a Polygon, got %s", geom.Type)
	}
	if len(poly) == 0 {
		return "", errors.New("polygon has no rings")
	}
	ring := poly[0]
	if len(ring) > 1 && !ring.Closed() {
		ring = append(ring, ring[0])
		poly[0] = ring
	}
	if distinctPoints(ring) < 3 {
		return "", errors.New("polygon needs at least 3 distinct points")
	}
	if planar.Area(poly) == 0 {
		return "", errors.New("polygon has zero area")
	}
	bound := orb.Bound{
		Min: orb.Point{tile.MinLng, tile.MinLat},
		Max: orb.Point{tile.MaxLng, tile.MaxLat},
	}
	for _, pt := range ring {
		if !bound.Contains(pt) {
			return "", fmt.Errorf("point (%g, %g) outside tile bounds", pt.Lon(), pt.Lat())
		}
	}
	data, err := geojson.NewGeometry(poly).MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func distinctPoints(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for _, pt := range ring {
		seen[pt] = struct{}{}
	}
	return len(seen)
}
