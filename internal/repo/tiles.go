package repo

import (
	"context"
	"database/sql"
	"strings"

	"echoline/internal/domain"
)

const tileColumns = `id,map_id,name,min_lat,min_lng,max_lat,max_lng,status,assigned_to,completed_by,no_echo,image_url,annotated_image_url,created_at,updated_at,completed_at`

func scanTile(scan func(dest ...any) error) (domain.Tile, error) {
	var t domain.Tile
	var assignedTo, completedBy, annotatedURL, completedAt sql.NullString
	var noEcho int
	err := scan(&t.ID, &t.MapID, &t.Name, &t.MinLat, &t.MinLng, &t.MaxLat, &t.MaxLng,
		&t.Status, &assignedTo, &completedBy, &noEcho, &t.ImageURL, &annotatedURL,
		&t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if annotatedURL.Valid {
		t.AnnotatedImageURL = &annotatedURL.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	t.NoEcho = noEcho != 0
	return t, nil
}

func (r Repo) InsertTile(ctx context.Context, tx *sql.Tx, t domain.Tile) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tiles(`+tileColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.MapID, t.Name, t.MinLat, t.MinLng, t.MaxLat, t.MaxLng, t.Status,
		nullableStringPtr(t.AssignedTo), nullableStringPtr(t.CompletedBy), boolToInt(t.NoEcho),
		t.ImageURL, nullableStringPtr(t.AnnotatedImageURL), t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTile(ctx context.Context, id string) (domain.Tile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tileColumns+` FROM tiles WHERE id=?`, id)
	return scanTile(row.Scan)
}

func (r Repo) GetTileTx(ctx context.Context, tx *sql.Tx, id string) (domain.Tile, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tileColumns+` FROM tiles WHERE id=?`, id)
	return scanTile(row.Scan)
}

// ClaimOldestAvailable atomically assigns the longest-waiting available tile
// to the user. The status guard in the WHERE clause makes concurrent claims
// of the same tile mutually exclusive: only one UPDATE reports a row.
func (r Repo) ClaimOldestAvailable(ctx context.Context, tx *sql.Tx, userID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tiles SET status='in_progress', assigned_to=?, updated_at=?
WHERE id=(SELECT id FROM tiles WHERE status='available' ORDER BY created_at ASC, id ASC LIMIT 1) AND status='available'`,
		userID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InProgressTileForUser returns the tile currently assigned to the user, if any.
func (r Repo) InProgressTileForUser(ctx context.Context, tx *sql.Tx, userID string) (domain.Tile, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+tileColumns+` FROM tiles WHERE status='in_progress' AND assigned_to=? LIMIT 1`, userID)
	return scanTile(row.Scan)
}

// ReleaseTile conditionally returns the user's in_progress tile to the pool.
// Returns false when the tile is not in_progress under this user.
func (r Repo) ReleaseTile(ctx context.Context, tx *sql.Tx, tileID, userID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tiles SET status='available', assigned_to=NULL, updated_at=? WHERE id=? AND status='in_progress' AND assigned_to=?`,
		now, tileID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteTile conditionally finalizes the user's in_progress tile. The
// assignment is cleared and the submitter recorded; ownership is enforced by
// the WHERE clause, not by a prior read.
func (r Repo) CompleteTile(ctx context.Context, tx *sql.Tx, tileID, userID string, noEcho bool, annotatedURL *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tiles SET status='completed', assigned_to=NULL, completed_by=?, no_echo=?, annotated_image_url=?, updated_at=?, completed_at=? WHERE id=? AND status='in_progress' AND assigned_to=?`,
		userID, boolToInt(noEcho), nullableStringPtr(annotatedURL), now, now, tileID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReclaimStaleTiles releases in_progress tiles whose last update predates the
// cutoff. Returns the released tile IDs.
func (r Repo) ReclaimStaleTiles(ctx context.Context, tx *sql.Tx, cutoff, now string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tiles WHERE status='in_progress' AND updated_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE tiles SET status='available', assigned_to=NULL, updated_at=? WHERE id=?`, now, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

type TileFilters struct {
	MapID           string
	Status          string
	AssignedTo      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTiles(ctx context.Context, f TileFilters) ([]domain.Tile, error) {
	var clauses []string
	var args []any
	if f.MapID != "" {
		clauses = append(clauses, "map_id=?")
		args = append(args, f.MapID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + tileColumns + ` FROM tiles ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tile
	for rows.Next() {
		t, err := scanTile(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTilesByStatus(ctx context.Context, mapID string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM tiles`
	var args []any
	if mapID != "" {
		query += ` WHERE map_id=?`
		args = append(args, mapID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// AttachAnnotations records the ordered set of annotations a completed tile
// was submitted with.
func (r Repo) AttachAnnotations(ctx context.Context, tx *sql.Tx, tileID string, annotationIDs []string) error {
	for i, id := range annotationIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tile_annotations(tile_id, annotation_id, position) VALUES (?,?,?)`, tileID, id, i); err != nil {
			return err
		}
	}
	return nil
}

// AttachedAnnotationIDs returns submission-order annotation IDs for a tile.
func (r Repo) AttachedAnnotationIDs(ctx context.Context, tileID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT annotation_id FROM tile_annotations WHERE tile_id=? ORDER BY position ASC`, tileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
