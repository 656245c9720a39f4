package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEntryStore keeps window entries in the rate_limit_entries table so
// multiple service instances share one limiter.
type PostgresEntryStore struct {
	db *pgxpool.Pool
}

func NewPostgresEntryStore(db *pgxpool.Pool) *PostgresEntryStore {
	return &PostgresEntryStore{db: db}
}

func (s *PostgresEntryStore) Sweep(ctx context.Context, scope string, cutoff time.Time) (int, time.Time, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM rate_limit_entries WHERE scope = $1 AND ts < $2`, scope, cutoff); err != nil {
		return 0, time.Time{}, fmt.Errorf("entry eviction failed: %w", err)
	}

	var (
		count  int
		oldest *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*), MIN(ts) FROM rate_limit_entries WHERE scope = $1`, scope).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("entry count failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("tx commit failed: %w", err)
	}

	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

func (s *PostgresEntryStore) Add(ctx context.Context, scope string, ts time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO rate_limit_entries (scope, ts) VALUES ($1, $2)`, scope, ts)
	if err != nil {
		return fmt.Errorf("entry insert failed: %w", err)
	}
	return nil
}
