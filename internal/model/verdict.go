package model

import (
	"net/http"
	"time"
)

// Deny reasons surfaced to callers. Credential lookup failures and secret
// mismatches share one reason so the API never confirms whether a key ID
// exists. The triggering scope of a rate-limit denial stays in server logs.
const (
	ReasonInvalidCredential = "invalid_credential"
	ReasonKeyExpired        = "key_expired"
	ReasonKeyRevoked        = "key_revoked"
	ReasonKeyInactive       = "key_inactive"
	ReasonIPRestricted      = "ip_restricted"
	ReasonInsufficientScope = "insufficient_scope"
	ReasonRateLimited       = "rate_limited"
	ReasonStoreUnavailable  = "store_unavailable"
)

// StatusHint maps a deny reason to the HTTP status the enforcing layer
// should return.
func StatusHint(reason string) int {
	switch reason {
	case ReasonInvalidCredential:
		return http.StatusUnauthorized
	case ReasonKeyExpired, ReasonKeyRevoked, ReasonKeyInactive, ReasonIPRestricted, ReasonInsufficientScope:
		return http.StatusForbidden
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RateLimitVerdict is the aggregate outcome of evaluating every applicable
// rule for one request.
type RateLimitVerdict struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Algorithm  Algorithm

	// LimitingRule is the rule that denied (or, on allow, the tightest
	// rule by remaining budget). Internal diagnostic; not serialized.
	LimitingRule *RateLimitRule `json:"-"`
}

// Decision is the verdict returned by the façade for one request. Business
// denials (bad credential, revoked key, rate limited) are values, never
// errors; only the enforcing layer turns them into HTTP responses.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason,omitempty"`
	StatusHint int     `json:"status_hint,omitempty"`
	Key        *APIKey `json:"key,omitempty"`

	// Rate-limit diagnostics, present whenever limits were evaluated.
	Limit      int64      `json:"limit,omitempty"`
	Remaining  int64      `json:"remaining"`
	ResetAt    *time.Time `json:"reset_at,omitempty"`
	RetryAfter int64      `json:"retry_after_seconds,omitempty"`
	Algorithm  Algorithm  `json:"algorithm,omitempty"`
}

// Allow builds an allowing decision carrying rate-limit diagnostics.
func Allow(key *APIKey, v RateLimitVerdict) Decision {
	d := Decision{
		Allowed:   true,
		Key:       key,
		Remaining: v.Remaining,
		Algorithm: v.Algorithm,
	}
	if v.LimitingRule != nil {
		d.Limit = v.LimitingRule.Limit()
	}
	if !v.ResetAt.IsZero() {
		t := v.ResetAt
		d.ResetAt = &t
	}
	return d
}

// Deny builds a denying decision for the given reason.
func Deny(reason string) Decision {
	return Decision{
		Allowed:    false,
		Reason:     reason,
		StatusHint: StatusHint(reason),
	}
}

// DenyRateLimited builds a 429 decision from a failed rate-limit verdict.
func DenyRateLimited(v RateLimitVerdict) Decision {
	d := Deny(ReasonRateLimited)
	d.Remaining = 0
	d.Algorithm = v.Algorithm
	if v.LimitingRule != nil {
		d.Limit = v.LimitingRule.Limit()
	}
	if !v.ResetAt.IsZero() {
		t := v.ResetAt
		d.ResetAt = &t
	}
	if v.RetryAfter > 0 {
		secs := int64(v.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		d.RetryAfter = secs
	}
	return d
}
