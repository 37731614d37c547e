// Package store defines the persistence interfaces the decision core
// depends on, and the backends that implement them. The core treats these
// as its only suspension points: any failure here is reported upward and
// mapped to a store_unavailable denial, never silently to an allow.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/keygatedb/keygate/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by CompareAndSwap when the stored version
	// no longer matches the expected one.
	ErrConflict = errors.New("version conflict")

	// ErrUnavailable marks infrastructure failures (connection refused,
	// timeout). Callers fail closed on it unless configured otherwise.
	ErrUnavailable = errors.New("store unavailable")
)

// KeyStore holds API key records. Implementations must make
// CompareAndSwap atomic: rotation depends on it to prevent two concurrent
// rotations minting two replacements from the same stale record.
type KeyStore interface {
	// Get returns the record for keyID, or ErrNotFound.
	Get(ctx context.Context, keyID string) (*model.APIKey, error)

	// Put inserts or replaces a record unconditionally and bumps its
	// version.
	Put(ctx context.Context, key *model.APIKey) error

	// CompareAndSwap replaces the record only if its stored version still
	// equals expectedVersion. Returns ErrConflict on a lost race and
	// ErrNotFound if the record vanished.
	CompareAndSwap(ctx context.Context, key *model.APIKey, expectedVersion int64) error

	// List returns all records, newest first.
	List(ctx context.Context) ([]model.APIKey, error)

	// Touch records a successful use. Callers invoke it asynchronously;
	// the decision never blocks on it.
	Touch(ctx context.Context, keyID string, at time.Time) error
}

// Counter is the per-composite-key state shared by all three rate-limit
// algorithms. Fixed window uses WindowStart+Count, sliding window adds
// PrevCount, the token bucket uses Tokens+LastRefill. A zero Counter is a
// fresh, never-consumed state.
type Counter struct {
	WindowStart int64   `json:"ws"` // unix nanoseconds
	Count       int64   `json:"c"`
	PrevCount   int64   `json:"p"`
	Tokens      float64 `json:"t"`
	LastRefill  int64   `json:"lr"` // unix nanoseconds; 0 means uninitialized
}

// Violation tracks progressive-penalty state for one identifier.
type Violation struct {
	Consecutive int64   `json:"c"`
	Multiplier  float64 `json:"m"`
	LastAt      int64   `json:"la"` // unix nanoseconds
}

// CounterStore applies atomic read-modify-write updates to counter and
// violation state. The update function must be pure: implementations may
// call it more than once when an optimistic update races. Atomicity is per
// key; updates to distinct keys must not serialize against each other.
type CounterStore interface {
	UpdateCounter(ctx context.Context, key string, ttl time.Duration, fn func(Counter) Counter) (Counter, error)
	UpdateViolation(ctx context.Context, key string, ttl time.Duration, fn func(Violation) Violation) (Violation, error)
}
