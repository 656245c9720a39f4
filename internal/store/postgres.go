package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/paygate/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEmail      = errors.New("email already registered")
)

const txnColumns = `id, account_id, type, status, amount, bank_reference, error_message, retry_count, idempotency_key, created_at, updated_at`

// Store is the durable ledger: accounts, transactions and the lock-scoped
// critical sections that mutate balances.
type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect builds a pgx pool and verifies connectivity.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

// CreateAccount provisions a new account with zero balance.
func (s *Store) CreateAccount(ctx context.Context, email, apiKey string) (*domain.Account, error) {
	var acc domain.Account
	err := s.db.QueryRow(ctx,
		`INSERT INTO accounts (email, api_key) VALUES ($1, $2)
		 RETURNING id, email, api_key, balance, version, created_at, updated_at`,
		email, apiKey,
	).Scan(&acc.ID, &acc.Email, &acc.APIKey, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &acc, nil
}

// Account retrieves a single account by ID.
func (s *Store) Account(ctx context.Context, id int64) (*domain.Account, error) {
	return s.scanAccount(ctx, `SELECT id, email, api_key, balance, version, created_at, updated_at FROM accounts WHERE id = $1`, id)
}

// AccountByAPIKey resolves the account owning an API key, for request auth.
func (s *Store) AccountByAPIKey(ctx context.Context, apiKey string) (*domain.Account, error) {
	return s.scanAccount(ctx, `SELECT id, email, api_key, balance, version, created_at, updated_at FROM accounts WHERE api_key = $1`, apiKey)
}

func (s *Store) scanAccount(ctx context.Context, query string, arg any) (*domain.Account, error) {
	var acc domain.Account
	err := s.db.QueryRow(ctx, query, arg).
		Scan(&acc.ID, &acc.Email, &acc.APIKey, &acc.Balance, &acc.Version, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return &acc, nil
}

// Transaction retrieves a single transaction by ID.
func (s *Store) Transaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// ListTransactions returns a page of an account's transactions, newest first,
// optionally filtered by kind and status, along with the unpaged total.
func (s *Store) ListTransactions(ctx context.Context, accountID int64, kind domain.TransactionKind, status domain.TransactionStatus, limit, offset int) ([]domain.Transaction, int, error) {
	where := `WHERE account_id = $1 AND ($2 = '' OR type = $2) AND ($3 = '' OR status = $3)`

	var total int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions `+where, accountID, string(kind), string(status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction count failed: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+txnColumns+` FROM transactions `+where+` ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		accountID, string(kind), string(status), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *txn)
	}
	return out, total, rows.Err()
}

// CreatePendingDeposit records the intent to deposit. No lock is needed:
// deposits cannot violate the balance invariant at submission time.
func (s *Store) CreatePendingDeposit(ctx context.Context, accountID int64, amount decimal.Decimal, idempotencyKey string) (*domain.Transaction, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("account check failed: %w", err)
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	row := s.db.QueryRow(ctx,
		`INSERT INTO transactions (account_id, type, status, amount, idempotency_key)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		 RETURNING `+txnColumns,
		accountID, domain.KindDeposit, domain.StatusPending, amount, idempotencyKey)
	return scanTransaction(row)
}

// CreatePendingWithdrawal validates sufficiency under the account's exclusive
// row lock and records the intent in the same transaction. An unaffordable
// withdrawal leaves no record behind.
func (s *Store) CreatePendingWithdrawal(ctx context.Context, accountID int64, amount decimal.Decimal, idempotencyKey string) (*domain.Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO transactions (account_id, type, status, amount, idempotency_key)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		 RETURNING `+txnColumns,
		accountID, domain.KindWithdrawal, domain.StatusPending, amount, idempotencyKey)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return txn, nil
}

// processingClaimTTL bounds how long a processing claim stays exclusive: the
// job lease plus the longest bank call, rounded up. A processing row older
// than this was claimed by a worker that died mid-attempt and must be
// reclaimable, or the transaction would never reach a terminal state.
const processingClaimTTL = 90 * time.Second

// MarkProcessing claims a transaction for a worker. The claim succeeds from
// pending or retry_scheduled, or from a processing claim whose holder has
// exceeded the claim TTL; any other state returns the current record with
// claimed=false so duplicate queue deliveries degrade to no-ops.
func (s *Store) MarkProcessing(ctx context.Context, id int64) (*domain.Transaction, bool, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE transactions SET status = $2, updated_at = now()
		 WHERE id = $1 AND (status IN ($3, $4) OR (status = $2 AND updated_at < $5))
		 RETURNING `+txnColumns,
		id, domain.StatusProcessing, domain.StatusPending, domain.StatusRetryScheduled,
		time.Now().Add(-processingClaimTTL))
	txn, err := scanTransaction(row)
	if err == nil {
		return txn, true, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, false, err
	}

	txn, err = s.Transaction(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return txn, false, nil
}

// CommitSuccess applies the balance delta and finalizes the transaction in a
// single lock scope. The bank call has already happened, unlocked; this only
// covers the validate-mutate-persist critical section. Withdrawal sufficiency
// is re-checked against the live balance: if it no longer holds, the
// transaction finalizes as failed with no balance mutation. Re-delivery of an
// already-terminal transaction returns the stored record untouched.
func (s *Store) CommitSuccess(ctx context.Context, id int64, bankReference string) (*domain.Transaction, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}
	if txn.Status.Terminal() {
		return txn, nil
	}

	var balance decimal.Decimal
	err = tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, txn.AccountID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}

	if txn.Kind == domain.KindWithdrawal && balance.LessThan(txn.Amount) {
		row = tx.QueryRow(ctx,
			`UPDATE transactions SET status = $2, error_message = $3, updated_at = now()
			 WHERE id = $1 RETURNING `+txnColumns,
			id, domain.StatusFailed, ErrInsufficientBalance.Error())
		txn, err = scanTransaction(row)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("tx commit failed: %w", err)
		}
		return txn, nil
	}

	delta := txn.Amount
	if txn.Kind == domain.KindWithdrawal {
		delta = txn.Amount.Neg()
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1, version = version + 1, updated_at = now() WHERE id = $2`,
		delta, txn.AccountID)
	if err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	row = tx.QueryRow(ctx,
		`UPDATE transactions SET status = $2, bank_reference = $3, error_message = NULL, updated_at = now()
		 WHERE id = $1 RETURNING `+txnColumns,
		id, domain.StatusSuccess, bankReference)
	txn, err = scanTransaction(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return txn, nil
}

// MarkFailed moves a non-terminal transaction to failed or dead_letter.
// No balance mutation occurs on any failure path.
func (s *Store) MarkFailed(ctx context.Context, id int64, status domain.TransactionStatus, errMsg string) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE transactions SET status = $2, error_message = $3, updated_at = now()
		 WHERE id = $1 AND status NOT IN ($4, $5, $6)
		 RETURNING `+txnColumns,
		id, status, errMsg, domain.StatusSuccess, domain.StatusFailed, domain.StatusDeadLetter)
	txn, err := scanTransaction(row)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}
	return s.Transaction(ctx, id)
}

// ScheduleRetry records a transient failure: bump the retry count and park the
// transaction until the re-enqueued job comes due.
func (s *Store) ScheduleRetry(ctx context.Context, id int64, errMsg string) (*domain.Transaction, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE transactions SET status = $2, retry_count = retry_count + 1, error_message = $3, updated_at = now()
		 WHERE id = $1 AND status = $4
		 RETURNING `+txnColumns,
		id, domain.StatusRetryScheduled, errMsg, domain.StatusProcessing)
	txn, err := scanTransaction(row)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}
	return s.Transaction(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := row.Scan(&txn.ID, &txn.AccountID, &txn.Kind, &txn.Status, &txn.Amount,
		&txn.BankReference, &txn.ErrorMessage, &txn.RetryCount, &txn.IdempotencyKey,
		&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("transaction scan failed: %w", err)
	}
	return &txn, nil
}
