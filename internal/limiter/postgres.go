package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/p2psync/internal/repository/postgres"
)

// PG is a PostgreSQL-backed limiter shared by tracker replicas, with sliding window
// and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

var _ Limiter = (*PG)(nil)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a limiter over the tracker database.
func NewPG(db *postgres.DB, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return NewPGWithQuerier(db.Pool, window, maxFails, blockFor)
}

// NewPGWithQuerier constructs a limiter over any pgx querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow implements Limiter.
func (l *PG) Allow(ctx context.Context, group string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM join_limiter WHERE group_name=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, group, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		if blockedUntil.After(time.Now()) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success implements Limiter.
func (l *PG) Success(ctx context.Context, group string, ipHash []byte) error {
	const q = `DELETE FROM join_limiter WHERE group_name=$1 AND ip_hash=$2`
	_, err := l.pool.Exec(ctx, q, group, ipHash)
	return err
}

// Failure implements Limiter.
func (l *PG) Failure(ctx context.Context, group string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO join_limiter (group_name, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (group_name, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN now() - join_limiter.updated_at > $3::interval THEN 1 ELSE join_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, group, ipHash, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.maxFails {
		return false, 0, nil
	}
	const upd = `UPDATE join_limiter SET blocked_until=$3 WHERE group_name=$1 AND ip_hash=$2`
	if _, err := l.pool.Exec(ctx, upd, group, ipHash, time.Now().Add(l.blockFor)); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
