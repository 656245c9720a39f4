package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/store"
)

const (
	reapInterval    = 30 * time.Second
	cleanupInterval = time.Hour
	releaseDelay    = 5 * time.Second
)

// Consumer is the worker-facing side of the job queue.
type Consumer interface {
	Dequeue(ctx context.Context) (*domain.Job, error)
	Complete(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64, delay time.Duration) error
	ReapStale(ctx context.Context) (int64, error)
}

// Cleaner evicts expired idempotency records.
type Cleaner interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Worker runs a pool of goroutines consuming the queue and dispatching jobs
// to the engine, plus housekeeping tickers for stale leases and expired
// idempotency keys.
type Worker struct {
	engine  *Engine
	queue   Consumer
	cleaner Cleaner
	count   int
	poll    time.Duration
	log     *zap.Logger
}

func NewWorker(engine *Engine, queue Consumer, cleaner Cleaner, count int, poll time.Duration, log *zap.Logger) *Worker {
	return &Worker{
		engine:  engine,
		queue:   queue,
		cleaner: cleaner,
		count:   count,
		poll:    poll,
		log:     log,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < w.count; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.consume(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.housekeep(ctx)
	}()

	w.log.Info("worker pool started", zap.Int("workers", w.count))
	wg.Wait()
	w.log.Info("worker pool stopped")
}

func (w *Worker) consume(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNoJobs) {
				w.log.Error("dequeue failed", zap.Int("worker", n), zap.Error(err))
			}
			if !w.sleep(ctx, w.poll) {
				return
			}
			continue
		}

		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *domain.Job) {
	var err error
	switch job.Kind {
	case domain.JobProcess:
		err = w.engine.Process(ctx, job.TransactionID)
	case domain.JobBankCallback:
		err = w.engine.ApplyBankCallback(ctx, job.TransactionID, job.Outcome, job.BankReference, job.ErrorMessage)
	default:
		w.log.Warn("dropping job of unknown kind", zap.String("kind", string(job.Kind)), zap.Int64("job_id", job.ID))
	}

	if err != nil {
		// Infrastructure failure: hand the job back so another delivery
		// can pick it up. Bank-level failures never reach here; the
		// engine absorbs them into the state machine.
		w.log.Error("job failed, releasing",
			zap.Int64("job_id", job.ID),
			zap.Int64("transaction_id", job.TransactionID),
			zap.Error(err))
		if relErr := w.queue.Release(ctx, job.ID, releaseDelay); relErr != nil {
			w.log.Error("job release failed", zap.Int64("job_id", job.ID), zap.Error(relErr))
		}
		return
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		w.log.Error("job completion failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
}

func (w *Worker) housekeep(ctx context.Context) {
	reap := time.NewTicker(reapInterval)
	defer reap.Stop()
	clean := time.NewTicker(cleanupInterval)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			if n, err := w.queue.ReapStale(ctx); err != nil {
				w.log.Error("lease reap failed", zap.Error(err))
			} else if n > 0 {
				w.log.Warn("reclaimed stale job leases", zap.Int64("count", n))
			}
		case <-clean.C:
			if w.cleaner == nil {
				continue
			}
			if n, err := w.cleaner.DeleteExpired(ctx); err != nil {
				w.log.Error("idempotency cleanup failed", zap.Error(err))
			} else if n > 0 {
				w.log.Info("evicted expired idempotency keys", zap.Int64("count", n))
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
