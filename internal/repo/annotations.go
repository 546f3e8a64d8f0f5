package repo

import (
	"context"
	"database/sql"
	"strings"

	"echoline/internal/domain"
)

const annotationColumns = `id,tile_id,user_id,type,geometry_json,label,period,notes,created_at`

func scanAnnotation(scan func(dest ...any) error) (domain.Annotation, error) {
	var a domain.Annotation
	var notes sql.NullString
	err := scan(&a.ID, &a.TileID, &a.UserID, &a.Type, &a.GeometryJSON, &a.Label, &a.Period, &notes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if notes.Valid {
		a.Notes = notes.String
	}
	return a, nil
}

func (r Repo) InsertAnnotation(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO annotations(`+annotationColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TileID, a.UserID, a.Type, a.GeometryJSON, a.Label, a.Period, nullable(a.Notes), a.CreatedAt)
	return err
}

func (r Repo) GetAnnotation(ctx context.Context, id string) (domain.Annotation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=?`, id)
	return scanAnnotation(row.Scan)
}

func (r Repo) GetAnnotationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Annotation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+annotationColumns+` FROM annotations WHERE id=?`, id)
	return scanAnnotation(row.Scan)
}

type AnnotationFilters struct {
	TileID string
	UserID string
	Limit  int
}

// ListAnnotations returns annotations oldest-first so drafts replay in the
// order the user drew them.
func (r Repo) ListAnnotations(ctx context.Context, f AnnotationFilters) ([]domain.Annotation, error) {
	var clauses []string
	var args []any
	if f.TileID != "" {
		clauses = append(clauses, "tile_id=?")
		args = append(args, f.TileID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + annotationColumns + ` FROM annotations ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountAnnotationsByUser groups annotation totals per user for the stats view.
func (r Repo) CountAnnotationsByUser(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, count(*) FROM annotations GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var user string
		var count int
		if err := rows.Scan(&user, &count); err != nil {
			return nil, err
		}
		res[user] = count
	}
	return res, rows.Err()
}
