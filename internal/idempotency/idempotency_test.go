package idempotency

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	ttl := 24 * time.Hour
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := now.Add(-time.Hour)
	stale := now.Add(-25 * time.Hour)

	tests := []struct {
		name        string
		rec         *Record
		fingerprint string
		want        Outcome
	}{
		{
			name:        "no prior record",
			rec:         nil,
			fingerprint: "abc",
			want:        New,
		},
		{
			name: "completed record with matching body",
			rec: &Record{
				Fingerprint:    "abc",
				Completed:      true,
				ResponseStatus: 202,
				ResponseBody:   []byte(`{"id":1}`),
				CreatedAt:      fresh,
			},
			fingerprint: "abc",
			want:        Replay,
		},
		{
			name: "reservation without a stored response",
			rec: &Record{
				Fingerprint: "abc",
				CreatedAt:   fresh,
			},
			fingerprint: "abc",
			want:        InFlight,
		},
		{
			name: "same key, different body",
			rec: &Record{
				Fingerprint:    "abc",
				Completed:      true,
				ResponseStatus: 202,
				CreatedAt:      fresh,
			},
			fingerprint: "def",
			want:        Conflict,
		},
		{
			name: "expired record is treated as absent",
			rec: &Record{
				Fingerprint:    "abc",
				Completed:      true,
				ResponseStatus: 202,
				CreatedAt:      stale,
			},
			fingerprint: "def",
			want:        New,
		},
		{
			name: "expired in-flight reservation is reclaimable",
			rec: &Record{
				Fingerprint: "abc",
				CreatedAt:   stale,
			},
			fingerprint: "abc",
			want:        New,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.rec, tt.fingerprint, ttl, now)
			if got.Outcome != tt.want {
				t.Fatalf("got outcome %d, want %d", got.Outcome, tt.want)
			}
			if tt.want == Replay {
				if got.ResponseStatus != tt.rec.ResponseStatus {
					t.Fatalf("replay status %d, want %d", got.ResponseStatus, tt.rec.ResponseStatus)
				}
				if string(got.ResponseBody) != string(tt.rec.ResponseBody) {
					t.Fatalf("replay body %q, want %q", got.ResponseBody, tt.rec.ResponseBody)
				}
			}
		})
	}
}

func TestClassifyBoundaryAtExactTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &Record{
		Fingerprint: "abc",
		Completed:   true,
		CreatedAt:   now.Add(-24 * time.Hour),
	}
	got := Classify(rec, "abc", 24*time.Hour, now)
	if got.Outcome != New {
		t.Fatalf("record at exactly the TTL must be expired, got %d", got.Outcome)
	}
}
