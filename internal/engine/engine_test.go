package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/paygate/internal/bank"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/store"
)

// fakeLedger mirrors the store's critical-section semantics in memory: every
// balance read-validate-write happens under one mutex, like the row lock.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[int64]decimal.Decimal
	txns     map[int64]*domain.Transaction
	nextID   int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances: make(map[int64]decimal.Decimal),
		txns:     make(map[int64]*domain.Transaction),
	}
}

func (f *fakeLedger) setBalance(accountID int64, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[accountID] = decimal.RequireFromString(amount)
}

func (f *fakeLedger) balance(accountID int64) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[accountID]
}

func (f *fakeLedger) Transaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (f *fakeLedger) create(accountID int64, kind domain.TransactionKind, amount decimal.Decimal) *domain.Transaction {
	f.nextID++
	txn := &domain.Transaction{
		ID:        f.nextID,
		AccountID: accountID,
		Kind:      kind,
		Status:    domain.StatusPending,
		Amount:    amount,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.txns[txn.ID] = txn
	cp := *txn
	return &cp
}

func (f *fakeLedger) CreatePendingDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, _ string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[accountID]; !ok {
		return nil, store.ErrAccountNotFound
	}
	return f.create(accountID, domain.KindDeposit, amount), nil
}

func (f *fakeLedger) CreatePendingWithdrawal(ctx context.Context, accountID int64, amount decimal.Decimal, _ string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if balance.LessThan(amount) {
		return nil, store.ErrInsufficientBalance
	}
	return f.create(accountID, domain.KindWithdrawal, amount), nil
}

// staleClaimAge mirrors the store's processing-claim TTL: a processing row
// older than this belongs to a worker that died and can be reclaimed.
const staleClaimAge = 90 * time.Second

func (f *fakeLedger) MarkProcessing(ctx context.Context, id int64) (*domain.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, false, store.ErrTransactionNotFound
	}
	claimable := txn.Status == domain.StatusPending ||
		txn.Status == domain.StatusRetryScheduled ||
		(txn.Status == domain.StatusProcessing && time.Since(txn.UpdatedAt) > staleClaimAge)
	if !claimable {
		cp := *txn
		return &cp, false, nil
	}
	txn.Status = domain.StatusProcessing
	txn.UpdatedAt = time.Now()
	cp := *txn
	return &cp, true, nil
}

// backdateClaim ages a processing claim, as if its holder died that long ago.
func (f *fakeLedger) backdateClaim(id int64, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns[id].UpdatedAt = time.Now().Add(-age)
}

func (f *fakeLedger) CommitSuccess(ctx context.Context, id int64, bankReference string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if txn.Status.Terminal() {
		cp := *txn
		return &cp, nil
	}

	balance := f.balances[txn.AccountID]
	if txn.Kind == domain.KindWithdrawal && balance.LessThan(txn.Amount) {
		txn.Status = domain.StatusFailed
		msg := store.ErrInsufficientBalance.Error()
		txn.ErrorMessage = &msg
		cp := *txn
		return &cp, nil
	}

	if txn.Kind == domain.KindWithdrawal {
		f.balances[txn.AccountID] = balance.Sub(txn.Amount)
	} else {
		f.balances[txn.AccountID] = balance.Add(txn.Amount)
	}
	txn.Status = domain.StatusSuccess
	txn.BankReference = &bankReference
	cp := *txn
	return &cp, nil
}

func (f *fakeLedger) MarkFailed(ctx context.Context, id int64, status domain.TransactionStatus, errMsg string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if !txn.Status.Terminal() {
		txn.Status = status
		txn.ErrorMessage = &errMsg
	}
	cp := *txn
	return &cp, nil
}

func (f *fakeLedger) ScheduleRetry(ctx context.Context, id int64, errMsg string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	txn, ok := f.txns[id]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	if txn.Status == domain.StatusProcessing {
		txn.Status = domain.StatusRetryScheduled
		txn.RetryCount++
		txn.ErrorMessage = &errMsg
	}
	cp := *txn
	return &cp, nil
}

type queuedJob struct {
	job   domain.Job
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *fakeQueue) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{job: job, delay: delay})
	return nil
}

func (q *fakeQueue) all() []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queuedJob(nil), q.jobs...)
}

// fakeGateway returns scripted outcomes.
type fakeGateway struct {
	ref string
	err error
}

func (g *fakeGateway) Process(ctx context.Context, txn *domain.Transaction) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.ref, nil
}

func newEngine(ledger Ledger, queue Scheduler, gw bank.Gateway) *Engine {
	return New(ledger, queue, gw, 15*time.Second, zap.NewNop())
}

func TestSubmitRejectsNonPositiveAmount(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "100.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "DEP-X"})

	for _, amount := range []string{"0", "-5.00"} {
		_, err := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString(amount), "k")
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if len(queue.all()) != 0 {
		t.Fatal("rejected submission must not enqueue work")
	}
}

func TestSubmitWithdrawalInsufficientBalanceCreatesNoRecord(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "50.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "WTH-X"})

	_, err := eng.Submit(context.Background(), 1, domain.KindWithdrawal, decimal.RequireFromString("100.00"), "k")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(ledger.txns) != 0 {
		t.Fatal("rejected withdrawal must not create a transaction record")
	}
	if len(queue.all()) != 0 {
		t.Fatal("rejected withdrawal must not enqueue work")
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("balance mutated to %s", got)
	}
}

func TestSubmitSchedulesProcessing(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "DEP-X"})

	txn, err := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")
	if err != nil {
		t.Fatal(err)
	}
	if txn.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", txn.Status)
	}

	jobs := queue.all()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].job.Kind != domain.JobProcess || jobs[0].job.TransactionID != txn.ID || jobs[0].job.Attempt != 1 {
		t.Fatalf("unexpected job %+v", jobs[0].job)
	}
	if jobs[0].delay != 0 {
		t.Fatalf("first attempt must not be delayed, got %s", jobs[0].delay)
	}
}

func TestProcessDepositSuccessAppliesBalance(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "5.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "DEP-ABC123"})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", final.Status)
	}
	if final.BankReference == nil || *final.BankReference != "DEP-ABC123" {
		t.Fatalf("bank reference not stored: %+v", final.BankReference)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("15.00")) {
		t.Fatalf("expected balance 15.00, got %s", got)
	}
}

func TestProcessWithdrawalRevalidatesAtCommit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "100.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "WTH-ABC123"})

	txn, err := eng.Submit(context.Background(), 1, domain.KindWithdrawal, decimal.RequireFromString("80.00"), "k")
	if err != nil {
		t.Fatal(err)
	}

	// Balance drains between submission and commit.
	ledger.setBalance(1, "20.00")

	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != store.ErrInsufficientBalance.Error() {
		t.Fatalf("expected insufficient balance detail, got %v", final.ErrorMessage)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("balance must not go negative, got %s", got)
	}
}

func TestProcessPermanentFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "100.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{err: bank.ErrInvalidRequest})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindWithdrawal, decimal.RequireFromString("10.00"), "k")
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("failure must not mutate balance, got %s", got)
	}
	if len(queue.all()) != 1 { // only the submit job
		t.Fatal("permanent failure must not be retried")
	}
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{err: bank.ErrTimeout})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %s", final.Status)
	}
	if final.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", final.RetryCount)
	}

	jobs := queue.all()
	if len(jobs) != 2 {
		t.Fatalf("expected retry job, got %d jobs", len(jobs))
	}
	retry := jobs[1]
	if retry.job.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", retry.job.Attempt)
	}
	if retry.delay < 2*time.Second || retry.delay > 3*time.Second {
		t.Fatalf("expected delay in [2s,3s), got %s", retry.delay)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{err: bank.ErrTimeout})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := eng.Process(context.Background(), txn.ID); err != nil {
			t.Fatal(err)
		}
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusDeadLetter {
		t.Fatalf("expected dead_letter after %d attempts, got %s", MaxAttempts, final.Status)
	}
	if final.RetryCount != MaxAttempts {
		t.Fatalf("expected retry count %d, got %d", MaxAttempts, final.RetryCount)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != bank.ErrTimeout.Error() {
		t.Fatalf("dead letter must retain last error, got %v", final.ErrorMessage)
	}

	// Submit job + one retry job per non-final transient failure.
	if got := len(queue.all()); got != MaxAttempts {
		t.Fatalf("expected %d queued jobs, got %d", MaxAttempts, got)
	}

	// Further deliveries are no-ops.
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}
	final, _ = ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusDeadLetter || final.RetryCount != MaxAttempts {
		t.Fatal("terminal transaction mutated by duplicate delivery")
	}
}

func TestProcessReclaimsStaleClaim(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "DEP-RECLAIM1"})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")

	// A worker claims the transaction and dies before recording any outcome.
	if _, claimed, err := ledger.MarkProcessing(context.Background(), txn.ID); err != nil || !claimed {
		t.Fatalf("initial claim failed: claimed=%v err=%v", claimed, err)
	}
	ledger.backdateClaim(txn.ID, 2*time.Minute)

	// The redelivered job must reclaim the stale row and settle it.
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusSuccess {
		t.Fatalf("stale claim not recovered: status %s", final.Status)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected balance 10.00, got %s", got)
	}
}

func TestProcessLiveClaimReportsBusy(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "DEP-BUSY0001"})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")

	if _, claimed, err := ledger.MarkProcessing(context.Background(), txn.ID); err != nil || !claimed {
		t.Fatalf("initial claim failed: claimed=%v err=%v", claimed, err)
	}

	// A duplicate delivery while the claim is live must not be absorbed; it
	// goes back to the queue until the claim resolves or ages out.
	if err := eng.Process(context.Background(), txn.ID); !errors.Is(err, ErrTransactionBusy) {
		t.Fatalf("expected ErrTransactionBusy, got %v", err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusProcessing {
		t.Fatalf("live claim disturbed: status %s", final.Status)
	}
	if got := ledger.balance(1); !got.IsZero() {
		t.Fatalf("balance mutated to %s", got)
	}
}

func TestProcessTerminalIsNoOp(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "DEP-ABC123"})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("10.00"), "k")
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}
	// Duplicate queue delivery.
	if err := eng.Process(context.Background(), txn.ID); err != nil {
		t.Fatal(err)
	}

	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("deposit applied twice: balance %s", got)
	}
}

func TestApplyBankCallbackSuccess(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "0")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "unused"})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindDeposit, decimal.RequireFromString("25.00"), "k")

	if err := eng.ApplyBankCallback(context.Background(), txn.ID, "success", "DEP-CB1", nil); err != nil {
		t.Fatal(err)
	}
	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", final.Status)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("expected balance 25.00, got %s", got)
	}

	// Second delivery of the same callback must not re-apply.
	if err := eng.ApplyBankCallback(context.Background(), txn.ID, "success", "DEP-CB1", nil); err != nil {
		t.Fatal(err)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("25.00")) {
		t.Fatalf("callback applied twice: balance %s", got)
	}
}

func TestApplyBankCallbackFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "50.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "unused"})

	txn, _ := eng.Submit(context.Background(), 1, domain.KindWithdrawal, decimal.RequireFromString("20.00"), "k")

	msg := "account frozen"
	if err := eng.ApplyBankCallback(context.Background(), txn.ID, "failed", "WTH-CB1", &msg); err != nil {
		t.Fatal(err)
	}

	final, _ := ledger.Transaction(context.Background(), txn.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorMessage == nil || *final.ErrorMessage != msg {
		t.Fatalf("expected error detail %q, got %v", msg, final.ErrorMessage)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("failed callback must not mutate balance, got %s", got)
	}
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setBalance(1, "100.00")
	queue := &fakeQueue{}
	eng := newEngine(ledger, queue, &fakeGateway{ref: "WTH-C"})

	// Each is individually affordable; collectively they are not.
	const n = 5
	amount := decimal.RequireFromString("30.00")
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		txn, err := eng.Submit(context.Background(), 1, domain.KindWithdrawal, amount, "k")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, txn.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := eng.Process(context.Background(), id); err != nil {
				t.Error(err)
			}
		}(id)
	}
	wg.Wait()

	succeeded, failed := 0, 0
	for _, id := range ids {
		txn, _ := ledger.Transaction(context.Background(), id)
		switch txn.Status {
		case domain.StatusSuccess:
			succeeded++
		case domain.StatusFailed:
			failed++
		default:
			t.Fatalf("transaction %d left in %s", id, txn.Status)
		}
	}

	if succeeded != 3 || failed != 2 {
		t.Fatalf("expected 3 successes and 2 failures, got %d/%d", succeeded, failed)
	}
	if got := ledger.balance(1); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("expected final balance 10.00, got %s", got)
	}
	if ledger.balance(1).IsNegative() {
		t.Fatal("balance went negative")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for n := 1; n <= 12; n++ {
		base := time.Duration(1<<uint(n)) * time.Second
		if base > backoffCeiling {
			base = backoffCeiling
		}
		for i := 0; i < 10; i++ {
			d := BackoffDelay(n)
			if d < base || d > base+time.Second {
				t.Fatalf("retryCount %d: delay %s outside [%s, %s]", n, d, base, base+time.Second)
			}
		}
	}
}
