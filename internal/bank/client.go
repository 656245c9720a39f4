// Package bank is the façade over the external bank. The engine only sees the
// Gateway interface and the error taxonomy; whether the bank answered the
// synchronous call or will settle via webhook is invisible to callers.
package bank

import (
	"context"
	"errors"

	"github.com/punchamoorthee/paygate/internal/domain"
)

var (
	// Transient: retried by the engine per the backoff policy.
	ErrTimeout     = errors.New("bank api request timed out")
	ErrUnavailable = errors.New("bank system is temporarily unavailable")

	// Permanent: terminal failure, never retried.
	ErrInvalidRequest    = errors.New("invalid request parameters")
	ErrInsufficientFunds = errors.New("insufficient funds in bank account")
)

// Gateway submits a transaction to the bank and returns its reference on
// acceptance. Callers bound the call with a context timeout; expiry is
// classified as a transient failure.
type Gateway interface {
	Process(ctx context.Context, txn *domain.Transaction) (bankReference string, err error)
}

// IsTransient reports whether the failure feeds the retry policy.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
