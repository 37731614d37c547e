// Package ratelimit implements the counter algorithms and the multi-scope
// evaluation that decide whether a request fits its configured budgets.
// All counter state lives behind store.CounterStore; a backend holds no
// mutable state of its own and is safe for concurrent use.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// Result is the outcome of consuming one request against a single rule.
type Result struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Backend consumes one request's worth of budget from the counter at
// scopeKey under the given rule. Implementations must apply the
// read-modify-write atomically per scopeKey.
type Backend interface {
	TryConsume(ctx context.Context, scopeKey string, rule model.RateLimitRule, now time.Time) (Result, error)
}

// CompositeKey builds the counter key for one (scope, identifier, rule)
// combination. Distinct composites never contend on the same counter.
func CompositeKey(scope model.Scope, identifier, ruleID string) string {
	return fmt.Sprintf("%s:%s:%s", scope, identifier, ruleID)
}

// backendsFor wires one backend per algorithm over a shared counter store.
func backendsFor(counters store.CounterStore) map[model.Algorithm]Backend {
	return map[model.Algorithm]Backend{
		model.FixedWindow:   &FixedWindowBackend{counters: counters},
		model.SlidingWindow: &SlidingWindowBackend{counters: counters},
		model.TokenBucket:   &TokenBucketBackend{counters: counters},
	}
}
