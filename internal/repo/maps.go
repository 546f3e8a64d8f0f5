package repo

import (
	"context"
	"database/sql"

	"echoline/internal/domain"
)

const mapColumns = `id,name,source_url,rows,cols,status,created_at,updated_at`

func scanMap(scan func(dest ...any) error) (domain.Map, error) {
	var m domain.Map
	var sourceURL sql.NullString
	err := scan(&m.ID, &m.Name, &sourceURL, &m.Rows, &m.Cols, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if sourceURL.Valid {
		m.SourceURL = sourceURL.String
	}
	return m, nil
}

func (r Repo) InsertMap(ctx context.Context, tx *sql.Tx, m domain.Map) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO maps(`+mapColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Name, nullable(m.SourceURL), m.Rows, m.Cols, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMap(ctx context.Context, id string) (domain.Map, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+mapColumns+` FROM maps WHERE id=?`, id)
	return scanMap(row.Scan)
}

func (r Repo) ListMaps(ctx context.Context) ([]domain.Map, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+mapColumns+` FROM maps ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Map
	for rows.Next() {
		m, err := scanMap(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMapStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE maps SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateMapGrid(ctx context.Context, tx *sql.Tx, id string, rows, cols int, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE maps SET rows=?, cols=?, updated_at=? WHERE id=?`, rows, cols, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMap(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM maps WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
