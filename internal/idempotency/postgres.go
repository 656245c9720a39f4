package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps idempotency records in the idempotency_keys table.
// The UNIQUE (account_id, key) constraint is the single-writer guarantee:
// whichever insert lands first owns the reservation, every loser sees 23505.
type PostgresStore struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

func NewPostgresStore(db *pgxpool.Pool, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

func (s *PostgresStore) CheckOrReserve(ctx context.Context, accountID int64, key, fingerprint string) (Result, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		rec          Record
		status       string
		storedStatus *int
		found        = true
	)
	err = tx.QueryRow(ctx,
		`SELECT request_hash, status, response_status, response_body, created_at
		 FROM idempotency_keys WHERE account_id = $1 AND key = $2 FOR UPDATE`,
		accountID, key,
	).Scan(&rec.Fingerprint, &status, &storedStatus, &rec.ResponseBody, &rec.CreatedAt)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Result{}, fmt.Errorf("idempotency query failed: %w", err)
		}
		found = false
	}
	if found {
		rec.Completed = status == "completed" && storedStatus != nil
		if rec.Completed {
			rec.ResponseStatus = *storedStatus
		}
	}

	var recPtr *Record
	if found {
		recPtr = &rec
	}
	res := Classify(recPtr, fingerprint, s.ttl, time.Now())
	if res.Outcome != New {
		return res, nil
	}

	if found {
		// The record exists but has expired; clear it so the key can be
		// reserved afresh.
		if _, err := tx.Exec(ctx,
			`DELETE FROM idempotency_keys WHERE account_id = $1 AND key = $2`,
			accountID, key); err != nil {
			return Result{}, fmt.Errorf("expired key delete failed: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO idempotency_keys (account_id, key, request_hash, status) VALUES ($1, $2, $3, 'in_progress')`,
		accountID, key, fingerprint)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the reservation race to a concurrent identical request.
			return Result{Outcome: InFlight}, nil
		}
		return Result{}, fmt.Errorf("key reservation failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return Result{Outcome: New}, nil
}

func (s *PostgresStore) StoreResponse(ctx context.Context, accountID int64, key string, status int, body []byte) error {
	_, err := s.db.Exec(ctx,
		`UPDATE idempotency_keys SET status = 'completed', response_status = $3, response_body = $4
		 WHERE account_id = $1 AND key = $2`,
		accountID, key, status, body)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, accountID int64, key string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE account_id = $1 AND key = $2`, accountID, key)
	return err
}

// DeleteExpired evicts records past their TTL, making keys reusable.
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
