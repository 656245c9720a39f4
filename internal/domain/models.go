package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes money moving into or out of an account.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
)

// TransactionStatus is the state-machine position of a transaction.
// Transitions: pending -> processing -> success | failed | retry_scheduled,
// retry_scheduled -> processing, and once the retry budget is spent,
// processing -> dead_letter. success, failed and dead_letter are terminal.
type TransactionStatus string

const (
	StatusPending        TransactionStatus = "pending"
	StatusProcessing     TransactionStatus = "processing"
	StatusRetryScheduled TransactionStatus = "retry_scheduled"
	StatusSuccess        TransactionStatus = "success"
	StatusFailed         TransactionStatus = "failed"
	StatusDeadLetter     TransactionStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusDeadLetter
}

// Account is a ledger account. Balance is mutated only inside the store's
// lock-scoped critical sections; Version increments on every balance write.
type Account struct {
	ID        int64           `json:"id"`
	Email     string          `json:"email"`
	APIKey    string          `json:"-"`
	Balance   decimal.Decimal `json:"balance"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is the immutable record of intent plus its mutable status.
// Amount and Kind never change after creation; the record is never deleted.
type Transaction struct {
	ID             int64             `json:"id"`
	AccountID      int64             `json:"account_id"`
	Kind           TransactionKind   `json:"type"`
	Status         TransactionStatus `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	BankReference  *string           `json:"bank_reference,omitempty"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	RetryCount     int               `json:"retry_count"`
	IdempotencyKey *string           `json:"-"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// JobKind selects the engine entry point a queued job is delivered to.
type JobKind string

const (
	JobProcess      JobKind = "process"
	JobBankCallback JobKind = "bank_callback"
)

// Job is one unit of work on the durable queue. Delivery is at-least-once;
// consumers must tolerate duplicates.
type Job struct {
	ID            int64   `json:"-"`
	Kind          JobKind `json:"kind"`
	TransactionID int64   `json:"transaction_id"`
	Attempt       int     `json:"attempt_number"`

	// Bank callback outcome, set only for JobBankCallback.
	Outcome       string  `json:"outcome,omitempty"`
	BankReference string  `json:"bank_reference,omitempty"`
	ErrorMessage  *string `json:"error_message,omitempty"`
}

// WebhookPayload is the wire format of the bank's asynchronous callback.
type WebhookPayload struct {
	TransactionID int64   `json:"transaction_id"`
	BankReference string  `json:"bank_reference"`
	Status        string  `json:"status"`
	ErrorMessage  *string `json:"error_message"`
	Signature     string  `json:"signature"`
}
