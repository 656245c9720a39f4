// Package engine orchestrates the transaction state machine: it reserves
// intent, calls the bank gateway outside any lock, commits outcomes inside the
// ledger's lock-scoped critical sections, and applies the retry/backoff/
// dead-letter policy to transient bank failures.
package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/bank"
	"github.com/punchamoorthee/paygate/internal/domain"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrUnknownKind   = errors.New("unknown transaction kind")

	// ErrTransactionBusy: the transaction is held by a live processing claim.
	// The delivery goes back to the queue and retries until the claim either
	// completes or ages out and becomes reclaimable.
	ErrTransactionBusy = errors.New("transaction claimed by another worker")
)

var (
	txnOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_transactions_total",
		Help: "Transactions reaching a state, labeled by kind and status",
	}, []string{"type", "status"})

	bankRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_bank_retries_total",
		Help: "Transient bank failures that were scheduled for retry",
	})

	deadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_dead_letters_total",
		Help: "Transactions parked after exhausting the retry budget",
	})

	processDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paygate_process_duration_seconds",
		Help:    "Latency of one processing attempt including the bank call",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20},
	})
)

const (
	// MaxAttempts bounds bank attempts per transaction; exhaustion parks the
	// transaction in dead_letter for manual intervention.
	MaxAttempts = 5

	backoffCeiling = 600 * time.Second
)

// Ledger is the subset of the store the engine drives. Every method that
// touches a balance does so inside the account's exclusive lock scope.
type Ledger interface {
	Transaction(ctx context.Context, id int64) (*domain.Transaction, error)
	CreatePendingDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, idempotencyKey string) (*domain.Transaction, error)
	CreatePendingWithdrawal(ctx context.Context, accountID int64, amount decimal.Decimal, idempotencyKey string) (*domain.Transaction, error)
	MarkProcessing(ctx context.Context, id int64) (txn *domain.Transaction, claimed bool, err error)
	CommitSuccess(ctx context.Context, id int64, bankReference string) (*domain.Transaction, error)
	MarkFailed(ctx context.Context, id int64, status domain.TransactionStatus, errMsg string) (*domain.Transaction, error)
	ScheduleRetry(ctx context.Context, id int64, errMsg string) (*domain.Transaction, error)
}

// Scheduler enqueues work for later delivery to a worker.
type Scheduler interface {
	Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error
}

type Engine struct {
	ledger      Ledger
	queue       Scheduler
	gateway     bank.Gateway
	callTimeout time.Duration
	log         *zap.Logger
}

func New(ledger Ledger, queue Scheduler, gateway bank.Gateway, callTimeout time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		ledger:      ledger,
		queue:       queue,
		gateway:     gateway,
		callTimeout: callTimeout,
		log:         log,
	}
}

// Submit validates the request, records intent and schedules processing.
// Settlement happens out of band; the returned transaction is pending.
// An unaffordable withdrawal is rejected without creating any record.
func (e *Engine) Submit(ctx context.Context, accountID int64, kind domain.TransactionKind, amount decimal.Decimal, idempotencyKey string) (*domain.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var (
		txn *domain.Transaction
		err error
	)
	switch kind {
	case domain.KindDeposit:
		txn, err = e.ledger.CreatePendingDeposit(ctx, accountID, amount, idempotencyKey)
	case domain.KindWithdrawal:
		txn, err = e.ledger.CreatePendingWithdrawal(ctx, accountID, amount, idempotencyKey)
	default:
		return nil, ErrUnknownKind
	}
	if err != nil {
		return nil, err
	}

	job := domain.Job{Kind: domain.JobProcess, TransactionID: txn.ID, Attempt: 1}
	if err := e.queue.Enqueue(ctx, job, 0); err != nil {
		return nil, err
	}

	txnOutcomes.WithLabelValues(string(kind), string(domain.StatusPending)).Inc()
	e.log.Info("transaction submitted",
		zap.Int64("transaction_id", txn.ID),
		zap.Int64("account_id", accountID),
		zap.String("type", string(kind)))
	return txn, nil
}

// Process is the worker entry point for one bank attempt. Safe under
// at-least-once delivery: a terminal transaction degrades to a no-op, and one
// held by a live claim is reported busy so the delivery is redelivered later.
func (e *Engine) Process(ctx context.Context, transactionID int64) error {
	timer := prometheus.NewTimer(processDuration)
	defer timer.ObserveDuration()

	txn, claimed, err := e.ledger.MarkProcessing(ctx, transactionID)
	if err != nil {
		return err
	}
	if !claimed {
		if txn.Status == domain.StatusProcessing {
			// Completing the delivery here would strand the transaction if
			// the claim holder died: nothing would ever redeliver it.
			return ErrTransactionBusy
		}
		e.log.Info("skipping delivery, transaction already terminal",
			zap.Int64("transaction_id", transactionID),
			zap.String("status", string(txn.Status)))
		return nil
	}

	// The bank call runs unlocked and under its own timeout; the account
	// lock is re-acquired only to commit the outcome.
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	ref, bankErr := e.gateway.Process(callCtx, txn)
	cancel()

	if bankErr == nil {
		return e.commit(ctx, txn, ref)
	}
	if bank.IsTransient(bankErr) {
		return e.scheduleRetry(ctx, txn, bankErr)
	}
	return e.fail(ctx, txn, bankErr)
}

// ApplyBankCallback finalizes a transaction from an asynchronous bank
// outcome, with the same terminal transitions and locking discipline as
// Process. Duplicate deliveries of the same outcome are no-ops.
func (e *Engine) ApplyBankCallback(ctx context.Context, transactionID int64, outcome, bankReference string, errMsg *string) error {
	txn, err := e.ledger.Transaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if txn.Status.Terminal() {
		e.log.Info("callback for terminal transaction ignored",
			zap.Int64("transaction_id", transactionID),
			zap.String("status", string(txn.Status)))
		return nil
	}

	if outcome == "success" {
		return e.commit(ctx, txn, bankReference)
	}

	msg := "bank reported failure"
	if errMsg != nil && *errMsg != "" {
		msg = *errMsg
	}
	return e.fail(ctx, txn, errors.New(msg))
}

func (e *Engine) commit(ctx context.Context, txn *domain.Transaction, bankReference string) error {
	final, err := e.ledger.CommitSuccess(ctx, txn.ID, bankReference)
	if err != nil {
		return err
	}

	txnOutcomes.WithLabelValues(string(final.Kind), string(final.Status)).Inc()
	if final.Status == domain.StatusSuccess {
		e.log.Info("transaction settled",
			zap.Int64("transaction_id", final.ID),
			zap.String("bank_reference", bankReference))
	} else {
		// Balance drifted below the amount between submission and commit.
		e.log.Warn("commit-time validation failed",
			zap.Int64("transaction_id", final.ID),
			zap.String("status", string(final.Status)))
	}
	return nil
}

func (e *Engine) scheduleRetry(ctx context.Context, txn *domain.Transaction, bankErr error) error {
	updated, err := e.ledger.ScheduleRetry(ctx, txn.ID, bankErr.Error())
	if err != nil {
		return err
	}

	if updated.RetryCount >= MaxAttempts {
		final, err := e.ledger.MarkFailed(ctx, txn.ID, domain.StatusDeadLetter, bankErr.Error())
		if err != nil {
			return err
		}
		deadLetters.Inc()
		txnOutcomes.WithLabelValues(string(final.Kind), string(final.Status)).Inc()
		e.log.Error("transaction dead-lettered",
			zap.Int64("transaction_id", final.ID),
			zap.Int("attempts", final.RetryCount),
			zap.String("last_error", bankErr.Error()))
		return nil
	}

	bankRetries.Inc()
	delay := BackoffDelay(updated.RetryCount)
	e.log.Warn("transient bank failure, retry scheduled",
		zap.Int64("transaction_id", txn.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Duration("delay", delay),
		zap.String("error", bankErr.Error()))

	job := domain.Job{Kind: domain.JobProcess, TransactionID: txn.ID, Attempt: updated.RetryCount + 1}
	return e.queue.Enqueue(ctx, job, delay)
}

func (e *Engine) fail(ctx context.Context, txn *domain.Transaction, bankErr error) error {
	final, err := e.ledger.MarkFailed(ctx, txn.ID, domain.StatusFailed, bankErr.Error())
	if err != nil {
		return err
	}
	txnOutcomes.WithLabelValues(string(final.Kind), string(final.Status)).Inc()
	e.log.Info("transaction failed permanently",
		zap.Int64("transaction_id", final.ID),
		zap.String("error", bankErr.Error()))
	return nil
}

// BackoffDelay computes the wait before the next attempt after retryCount
// transient failures: min(2^retryCount, 600) seconds plus up to one second of
// jitter so mass retries do not synchronize into a storm.
func BackoffDelay(retryCount int) time.Duration {
	secs := math.Min(math.Pow(2, float64(retryCount)), backoffCeiling.Seconds())
	jitter := time.Duration(rand.Float64() * float64(time.Second))
	return time.Duration(secs)*time.Second + jitter
}
