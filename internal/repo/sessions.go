package repo

import (
	"context"
	"database/sql"

	"echoline/internal/domain"
)

// SkipsUsed returns the user's current skip count; a missing row means zero.
func (r Repo) SkipsUsed(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT skips_used FROM skip_sessions WHERE user_id=?`, userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// IncrementSkips bumps the user's skip count inside the caller's transaction.
func (r Repo) IncrementSkips(ctx context.Context, tx *sql.Tx, userID, now string) (int, error) {
	_, err := tx.ExecContext(ctx, `INSERT INTO skip_sessions(user_id, skips_used, updated_at) VALUES (?,1,?)
ON CONFLICT(user_id) DO UPDATE SET skips_used=skips_used+1, updated_at=excluded.updated_at`, userID, now)
	if err != nil {
		return 0, err
	}
	return r.SkipsUsed(ctx, tx, userID)
}

// ResetSkips starts a fresh session after a successful submission.
func (r Repo) ResetSkips(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO skip_sessions(user_id, skips_used, updated_at) VALUES (?,0,?)
ON CONFLICT(user_id) DO UPDATE SET skips_used=0, updated_at=excluded.updated_at`, userID, now)
	return err
}

func (r Repo) GetSkipSession(ctx context.Context, userID string) (domain.SkipSession, error) {
	var s domain.SkipSession
	err := r.DB.QueryRowContext(ctx, `SELECT user_id, skips_used, updated_at FROM skip_sessions WHERE user_id=?`, userID).
		Scan(&s.UserID, &s.SkipsUsed, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.SkipSession{UserID: userID}, nil
	}
	return s, err
}
