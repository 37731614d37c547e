package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// TokenBucketBackend grants a request per token, refilling tokens
// continuously at rule.RefillPerSecond up to rule.Burst. It absorbs bursts
// and then smooths to the sustained rate, which makes it the default
// recommendation for client-facing limits.
type TokenBucketBackend struct {
	counters store.CounterStore
}

// NewTokenBucket returns a token-bucket backend over the given counters.
func NewTokenBucket(counters store.CounterStore) *TokenBucketBackend {
	return &TokenBucketBackend{counters: counters}
}

func (b *TokenBucketBackend) TryConsume(ctx context.Context, scopeKey string, rule model.RateLimitRule, now time.Time) (Result, error) {
	var allowed bool

	// A counter that has been idle long enough to refill completely
	// carries no information, so the TTL is the full-refill time with
	// slack.
	fullRefill := time.Duration(float64(rule.Burst) / rule.RefillPerSecond * float64(time.Second))

	state, err := b.counters.UpdateCounter(ctx, scopeKey, 2*fullRefill, func(c store.Counter) store.Counter {
		if c.LastRefill == 0 {
			c.Tokens = float64(rule.Burst)
		} else {
			elapsed := now.Sub(time.Unix(0, c.LastRefill))
			if elapsed > 0 {
				c.Tokens = math.Min(float64(rule.Burst), c.Tokens+elapsed.Seconds()*rule.RefillPerSecond)
			}
		}
		c.LastRefill = now.UnixNano()

		allowed = c.Tokens >= 1
		if allowed {
			c.Tokens--
		}
		return c
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   allowed,
		Remaining: int64(state.Tokens),
	}

	// ResetAt reports when the bucket is full again.
	if deficit := float64(rule.Burst) - state.Tokens; deficit > 0 {
		res.ResetAt = now.Add(time.Duration(deficit / rule.RefillPerSecond * float64(time.Second)))
	} else {
		res.ResetAt = now
	}

	if !allowed {
		wait := (1 - state.Tokens) / rule.RefillPerSecond
		res.RetryAfter = time.Duration(wait * float64(time.Second))
	}
	return res, nil
}
