// Package service composes the credential, lifecycle, and rate-limit
// layers behind a single decision entry point, plus the admin-facing key
// and auth services built on the same stores.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/keygatedb/keygate/internal/clock"
	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/lifecycle"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/ratelimit"
	"github.com/keygatedb/keygate/internal/store"
)

// touchTimeout bounds the fire-and-forget last-used update so a slow
// store cannot pile up goroutines.
const touchTimeout = 5 * time.Second

// Request is one authentication and rate-limit question put to the core.
type Request struct {
	KeyID    string `json:"key_id"`
	Secret   string `json:"secret"`
	IP       string `json:"ip,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`

	// RequiredScope, when set, additionally demands that the key carries
	// this permission scope.
	RequiredScope string `json:"required_scope,omitempty"`
}

// Decision answers Requests. Every outcome is a model.Decision value;
// the only errors it can observe are infrastructure failures, and those
// are folded into the decision per the fail-open setting.
type Decision struct {
	keys    store.KeyStore
	codec   *credential.Codec
	limiter *ratelimit.Manager
	clock   clock.Clock
	logger  *slog.Logger

	// failOpen admits traffic when the rate-limit store is unreachable.
	// Credential checks never fail open: an unreadable key record is
	// always a denial.
	failOpen bool

	// dummyHash keeps the unknown-key path doing the same hash compare
	// as the known-key path.
	dummyHash string
}

// NewDecision wires the decision façade.
func NewDecision(keys store.KeyStore, codec *credential.Codec, limiter *ratelimit.Manager, clk clock.Clock, failOpen bool, logger *slog.Logger) *Decision {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decision{
		keys:      keys,
		codec:     codec,
		limiter:   limiter,
		clock:     clk,
		logger:    logger,
		failOpen:  failOpen,
		dummyHash: codec.Hash("sk_nonexistent"),
	}
}

// Decide validates the credential, checks the key lifecycle, and runs the
// rate-limit rules, in that order. A key that does not exist and a secret
// that does not match produce the same decision.
func (s *Decision) Decide(ctx context.Context, req Request) model.Decision {
	now := s.clock.Now()

	key, err := s.keys.Get(ctx, req.KeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn the same hash comparison as the found path.
			s.codec.Verify(req.Secret, s.dummyHash)
			return model.Deny(model.ReasonInvalidCredential)
		}
		s.logger.Error("key lookup failed", "error", err)
		return model.Deny(model.ReasonStoreUnavailable)
	}

	if !s.codec.Verify(req.Secret, key.SecretHash) {
		return model.Deny(model.ReasonInvalidCredential)
	}

	if reason := lifecycle.Check(key, now, req.IP); reason != "" {
		return model.Deny(reason)
	}

	if req.RequiredScope != "" && !key.HasScope(req.RequiredScope) {
		return model.Deny(model.ReasonInsufficientScope)
	}

	identity := ratelimit.Identity{
		KeyID:    key.KeyID,
		UserID:   key.UserID,
		IP:       req.IP,
		Endpoint: req.Endpoint,
	}
	verdict, err := s.limiter.Evaluate(ctx, identity, key.RateLimitOverride, now)
	if err != nil {
		if s.failOpen {
			s.logger.Warn("rate limit store unreachable, failing open",
				"key_id", key.KeyID, "error", err)
			s.touchAsync(key.KeyID, now)
			// Remaining -1 marks that limits were not evaluated.
			return model.Allow(key, model.RateLimitVerdict{Allowed: true, Remaining: -1})
		}
		s.logger.Error("rate limit evaluation failed", "key_id", key.KeyID, "error", err)
		return model.Deny(model.ReasonStoreUnavailable)
	}
	if !verdict.Allowed {
		return model.DenyRateLimited(verdict)
	}

	s.touchAsync(key.KeyID, now)
	return model.Allow(key, verdict)
}

// touchAsync records a successful use without blocking the decision.
func (s *Decision) touchAsync(keyID string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.keys.Touch(ctx, keyID, at); err != nil {
			s.logger.Warn("touch last_used failed", "key_id", keyID, "error", err)
		}
	}()
}
