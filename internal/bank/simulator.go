package bank

import (
	"context"
	"encoding/hex"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/paygate/internal/domain"
)

// Simulator mimics a real bank: slow, and unreliable in configurable ways.
type Simulator struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	successRate float64
}

func NewSimulator(minDelay, maxDelay time.Duration, successRate float64) *Simulator {
	return &Simulator{minDelay: minDelay, maxDelay: maxDelay, successRate: successRate}
}

func (s *Simulator) Process(ctx context.Context, txn *domain.Transaction) (string, error) {
	delay := s.minDelay
	if s.maxDelay > s.minDelay {
		delay += time.Duration(rand.Int63n(int64(s.maxDelay - s.minDelay)))
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return "", ErrTimeout
	}

	if rand.Float64() > s.successRate {
		return "", s.randomFailure(txn.Kind)
	}

	return Reference(txn.Kind), nil
}

func (s *Simulator) randomFailure(kind domain.TransactionKind) error {
	failures := []error{ErrTimeout, ErrUnavailable, ErrInvalidRequest}
	if kind == domain.KindWithdrawal {
		// Bank-side funds check, distinct from our own ledger balance.
		failures = append(failures, ErrInsufficientFunds)
	}
	return failures[rand.Intn(len(failures))]
}

// Reference builds a bank reference in the DEP-/WTH- wire format.
func Reference(kind domain.TransactionKind) string {
	prefix := "DEP"
	if kind == domain.KindWithdrawal {
		prefix = "WTH"
	}
	u := uuid.New()
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(u[:])[:12])
}
