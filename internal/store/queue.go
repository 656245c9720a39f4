package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/paygate/internal/domain"
)

// ErrNoJobs signals an empty queue; pollers back off and try again.
var ErrNoJobs = errors.New("no jobs ready")

// leaseDuration bounds how long a claimed job stays invisible. A worker that
// dies mid-job loses its lease and the job returns to pending, which gives the
// queue its at-least-once guarantee.
const leaseDuration = 60 * time.Second

// Queue is a durable job queue on Postgres. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same row.
type Queue struct {
	db *pgxpool.Pool
}

func NewQueue(db *pgxpool.Pool) *Queue {
	return &Queue{db: db}
}

// Enqueue schedules a job to become visible after the given delay.
func (q *Queue) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("job payload marshal failed: %w", err)
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO jobs (kind, payload, run_at) VALUES ($1, $2, $3)`,
		job.Kind, payload, time.Now().Add(delay))
	if err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}
	return nil
}

// Dequeue claims the oldest ready job and leases it. Returns ErrNoJobs when
// nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Job, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		id      int64
		kind    string
		payload []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT id, kind, payload FROM jobs
		 WHERE status = 'pending' AND run_at <= now()
		 ORDER BY created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`).Scan(&id, &kind, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobs
		}
		return nil, fmt.Errorf("job claim failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = 'running', locked_until = $2 WHERE id = $1`,
		id, time.Now().Add(leaseDuration))
	if err != nil {
		return nil, fmt.Errorf("job lease failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	var job domain.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("job payload unmarshal failed: %w", err)
	}
	job.ID = id
	job.Kind = domain.JobKind(kind)
	return &job, nil
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

// Release returns a claimed job to pending after the given delay.
func (q *Queue) Release(ctx context.Context, id int64, delay time.Duration) error {
	_, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = 'pending', locked_until = NULL, run_at = $2 WHERE id = $1`,
		id, time.Now().Add(delay))
	return err
}

// ReapStale returns expired-lease jobs to pending. Run periodically.
func (q *Queue) ReapStale(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = 'pending', locked_until = NULL
		 WHERE status = 'running' AND locked_until < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
