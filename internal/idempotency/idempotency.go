// Package idempotency deduplicates client retries of mutating requests.
// A key is scoped to the calling account and bound to a fingerprint of the
// request body: replays return the stored response verbatim, while reuse of a
// key with a different body is a conflict, never a silent second execution.
package idempotency

import (
	"context"
	"time"
)

// Outcome classifies a checkOrReserve call.
type Outcome int

const (
	// New: no prior record existed; this caller now holds the reservation
	// and must complete it with StoreResponse.
	New Outcome = iota
	// Replay: a completed record with a matching fingerprint exists; return
	// its response byte-for-byte and perform no side effects.
	Replay
	// InFlight: a matching reservation exists but its canonical response is
	// not stored yet. The caller should surface a transient "processing"
	// indication rather than fabricate a response.
	InFlight
	// Conflict: the key exists with a different request fingerprint.
	Conflict
)

// Result carries the stored response for Replay outcomes.
type Result struct {
	Outcome        Outcome
	ResponseStatus int
	ResponseBody   []byte
}

// Record is one stored idempotency row.
type Record struct {
	Fingerprint    string
	Completed      bool
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}

// Classify maps a stored record (nil if none) against an incoming request.
// An expired record counts as absent: the key is eligible for reuse with a
// new fingerprint.
func Classify(rec *Record, fingerprint string, ttl time.Duration, now time.Time) Result {
	if rec == nil || now.Sub(rec.CreatedAt) >= ttl {
		return Result{Outcome: New}
	}
	if rec.Fingerprint != fingerprint {
		return Result{Outcome: Conflict}
	}
	if !rec.Completed {
		return Result{Outcome: InFlight}
	}
	return Result{
		Outcome:        Replay,
		ResponseStatus: rec.ResponseStatus,
		ResponseBody:   rec.ResponseBody,
	}
}

// Store persists idempotency records. Reservation of a key must be serialized
// so exactly one concurrent first-time caller becomes the canonical writer.
type Store interface {
	CheckOrReserve(ctx context.Context, accountID int64, key, fingerprint string) (Result, error)
	StoreResponse(ctx context.Context, accountID int64, key string, status int, body []byte) error
	// Delete releases a reservation whose request was rejected before any
	// side effect, so the key stays usable once the rejection cause clears.
	Delete(ctx context.Context, accountID int64, key string) error
	DeleteExpired(ctx context.Context) (int64, error)
}
