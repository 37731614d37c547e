package ratelimit

import (
	"context"
	"time"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// FixedWindowBackend counts requests in contiguous windows of rule.Window.
// Cheapest of the three algorithms. A client can burst up to 2x capacity
// across a window boundary (full budget at the end of one window, full
// budget at the start of the next); that tradeoff is accepted and covered
// by a test. Use the sliding window where boundary bursts matter.
type FixedWindowBackend struct {
	counters store.CounterStore
}

// NewFixedWindow returns a fixed-window backend over the given counters.
func NewFixedWindow(counters store.CounterStore) *FixedWindowBackend {
	return &FixedWindowBackend{counters: counters}
}

func (b *FixedWindowBackend) TryConsume(ctx context.Context, scopeKey string, rule model.RateLimitRule, now time.Time) (Result, error) {
	windowStart := now.Truncate(rule.Window)

	state, err := b.counters.UpdateCounter(ctx, scopeKey, 2*rule.Window, func(c store.Counter) store.Counter {
		if c.WindowStart != windowStart.UnixNano() {
			c.WindowStart = windowStart.UnixNano()
			c.Count = 0
		}
		c.Count++
		return c
	})
	if err != nil {
		return Result{}, err
	}

	resetAt := windowStart.Add(rule.Window)
	res := Result{
		Allowed: state.Count <= rule.Capacity,
		ResetAt: resetAt,
	}
	if remaining := rule.Capacity - state.Count; remaining > 0 {
		res.Remaining = remaining
	}
	if !res.Allowed {
		res.RetryAfter = resetAt.Sub(now)
	}
	return res, nil
}
