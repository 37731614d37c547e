package model

import (
	"fmt"
	"time"
)

// Scope is the dimension a rate-limit rule applies to. Rules are evaluated
// in the fixed order Global, PerIP, PerUser, PerAPIKey, PerEndpoint; the
// first denial short-circuits the rest.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopePerIP       Scope = "per_ip"
	ScopePerUser     Scope = "per_user"
	ScopePerAPIKey   Scope = "per_api_key"
	ScopePerEndpoint Scope = "per_endpoint"
)

// ScopeOrder is the evaluation priority, outermost first.
var ScopeOrder = []Scope{ScopeGlobal, ScopePerIP, ScopePerUser, ScopePerAPIKey, ScopePerEndpoint}

// Algorithm selects the counter algorithm backing a rule.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
)

// RateLimitRule is a single validated limit. Window algorithms use Capacity
// and Window; the token bucket uses Burst and RefillPerSecond, with Capacity
// doubling as the advertised limit for response headers.
type RateLimitRule struct {
	ID        string    `json:"id" yaml:"id"`
	Scope     Scope     `json:"scope" yaml:"scope"`
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`

	Capacity int64         `json:"capacity" yaml:"capacity"`
	Window   time.Duration `json:"window" yaml:"window"`

	RefillPerSecond float64 `json:"refill_per_second,omitempty" yaml:"refill_per_second"`
	Burst           int64   `json:"burst,omitempty" yaml:"burst"`

	// Endpoint restricts a PerEndpoint rule to a path prefix. The longest
	// matching prefix wins when several endpoint rules are configured.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`
}

// Validate checks the rule's structural invariants. Rules are validated
// once at load time; evaluation assumes a valid rule.
func (r *RateLimitRule) Validate() error {
	switch r.Scope {
	case ScopeGlobal, ScopePerIP, ScopePerUser, ScopePerAPIKey, ScopePerEndpoint:
	default:
		return fmt.Errorf("rule %s: unknown scope %q", r.ID, r.Scope)
	}

	switch r.Algorithm {
	case FixedWindow, SlidingWindow:
		if r.Capacity <= 0 {
			return fmt.Errorf("rule %s: capacity must be positive, got %d", r.ID, r.Capacity)
		}
		if r.Window <= 0 {
			return fmt.Errorf("rule %s: window must be positive, got %s", r.ID, r.Window)
		}
	case TokenBucket:
		if r.Burst <= 0 {
			return fmt.Errorf("rule %s: burst must be positive, got %d", r.ID, r.Burst)
		}
		if r.RefillPerSecond <= 0 {
			return fmt.Errorf("rule %s: refill_per_second must be positive, got %g", r.ID, r.RefillPerSecond)
		}
	default:
		return fmt.Errorf("rule %s: unknown algorithm %q", r.ID, r.Algorithm)
	}

	if r.Scope == ScopePerEndpoint && r.Endpoint == "" {
		return fmt.Errorf("rule %s: per_endpoint rule requires an endpoint prefix", r.ID)
	}
	return nil
}

// Limit returns the advertised request budget for response headers: the
// burst size for token buckets, the window capacity otherwise.
func (r *RateLimitRule) Limit() int64 {
	if r.Algorithm == TokenBucket {
		return r.Burst
	}
	return r.Capacity
}

// WithCapacity returns a copy of the rule with its budget replaced. Used
// for per-key overrides, which substitute rather than add.
func (r RateLimitRule) WithCapacity(n int64) RateLimitRule {
	if r.Algorithm == TokenBucket {
		r.Burst = n
	} else {
		r.Capacity = n
	}
	return r
}
