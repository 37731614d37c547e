package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// SlidingWindowBackend approximates a true sliding window with two counters:
// the current window's count and the previous window's, weighted by how far
// the current window has progressed. The effective count
//
//	current + previous * (1 - elapsedFraction)
//
// decays smoothly across the boundary, bounding the fixed window's 2x
// boundary burst at the cost of a small approximation error.
type SlidingWindowBackend struct {
	counters store.CounterStore
}

// NewSlidingWindow returns a sliding-window backend over the given counters.
func NewSlidingWindow(counters store.CounterStore) *SlidingWindowBackend {
	return &SlidingWindowBackend{counters: counters}
}

func (b *SlidingWindowBackend) TryConsume(ctx context.Context, scopeKey string, rule model.RateLimitRule, now time.Time) (Result, error) {
	windowStart := now.Truncate(rule.Window)
	frac := float64(now.Sub(windowStart)) / float64(rule.Window)

	var allowed bool
	var effective float64

	state, err := b.counters.UpdateCounter(ctx, scopeKey, 2*rule.Window, func(c store.Counter) store.Counter {
		ws := windowStart.UnixNano()
		if c.WindowStart != ws {
			// Rolled into a new window. If it is the immediate successor
			// the old count becomes the weighted previous count;
			// otherwise enough time passed that history is irrelevant.
			if c.WindowStart == windowStart.Add(-rule.Window).UnixNano() {
				c.PrevCount = c.Count
			} else {
				c.PrevCount = 0
			}
			c.Count = 0
			c.WindowStart = ws
		}

		effective = float64(c.Count) + float64(c.PrevCount)*(1-frac)
		allowed = effective < float64(rule.Capacity)
		if allowed {
			c.Count++
		}
		return c
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed: allowed,
		ResetAt: windowStart.Add(rule.Window),
	}
	if allowed {
		if remaining := rule.Capacity - int64(math.Ceil(effective)) - 1; remaining > 0 {
			res.Remaining = remaining
		}
		return res, nil
	}

	res.RetryAfter = b.retryAfter(state, rule, windowStart, now, frac)
	return res, nil
}

// retryAfter estimates when the effective count will next dip below
// capacity. If the current window alone is saturated, nothing frees up
// before the rollover; otherwise solve for the elapsed fraction at which
// the weighted previous count has decayed far enough.
func (b *SlidingWindowBackend) retryAfter(c store.Counter, rule model.RateLimitRule, windowStart, now time.Time, frac float64) time.Duration {
	if c.Count >= rule.Capacity || c.PrevCount <= 0 {
		return windowStart.Add(rule.Window).Sub(now)
	}

	// current + prev*(1-f) < capacity  =>  f > 1 - (capacity-current)/prev
	needed := 1 - float64(rule.Capacity-c.Count)/float64(c.PrevCount)
	if needed <= frac {
		return time.Millisecond // boundary rounding; effectively now
	}
	at := windowStart.Add(time.Duration(needed * float64(rule.Window)))
	return at.Sub(now)
}
