// Package ratelimit implements sliding-window admission control. Window state
// lives in a shared store, so every service instance observes one logical
// limiter. The check never blocks; it is performed before work is queued.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// EntryStore persists timestamped markers per scope. Sweep lazily evicts
// entries older than cutoff and reports what remains.
type EntryStore interface {
	Sweep(ctx context.Context, scope string, cutoff time.Time) (count int, oldest time.Time, err error)
	Add(ctx context.Context, scope string, ts time.Time) error
}

// Decision is the outcome of one admission check, carrying the material for
// the X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      int64 // epoch seconds when the window rolls
	RetryAfter int   // seconds until the oldest in-window entry expires
}

type Limiter struct {
	store EntryStore
	now   func() time.Time
}

func New(store EntryStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Allow checks the scope against the limit for the window and, if admitted,
// records the request as a new window entry. Rejected requests leave no entry.
func (l *Limiter) Allow(ctx context.Context, scope string, limit int, window time.Duration) (Decision, error) {
	now := l.now()

	count, oldest, err := l.store.Sweep(ctx, scope, now.Add(-window))
	if err != nil {
		return Decision{}, err
	}

	if count >= limit {
		retryAfter := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			Reset:      oldest.Add(window).Unix(),
			RetryAfter: retryAfter,
		}, nil
	}

	if err := l.store.Add(ctx, scope, now); err != nil {
		return Decision{}, err
	}

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count - 1,
		Reset:     now.Add(window).Unix(),
	}, nil
}
