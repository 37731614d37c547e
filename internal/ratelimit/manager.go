package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// Identity carries the request dimensions the scopes key off. Empty fields
// skip the corresponding scope (a request with no user skips PerUser).
type Identity struct {
	KeyID    string
	UserID   string
	IP       string
	Endpoint string
}

// penaltyIdentifier picks the dimension penalties attach to: the key when
// known, the IP for anonymous traffic.
func (id Identity) penaltyIdentifier() string {
	if id.KeyID != "" {
		return id.KeyID
	}
	return id.IP
}

// Manager evaluates every applicable rule for a request in fixed scope
// order and aggregates the verdicts. It owns no counter state; everything
// lives in the injected CounterStore, so any number of Managers (and
// processes, with the Redis store) share the same budgets.
type Manager struct {
	rules    []model.RateLimitRule
	backends map[model.Algorithm]Backend
	counters store.CounterStore
	penalty  PenaltyPolicy
	logger   *slog.Logger
}

// NewManager validates the rule set and builds a manager over the given
// counter store. Rules are ordered by scope priority (Global first); rules
// within a scope keep their configured order.
func NewManager(counters store.CounterStore, rules []model.RateLimitRule, penalty PenaltyPolicy, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ordered := make([]model.RateLimitRule, len(rules))
	copy(ordered, rules)
	for i := range ordered {
		if err := ordered[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid rate limit rule: %w", err)
		}
	}
	prio := make(map[model.Scope]int, len(model.ScopeOrder))
	for i, s := range model.ScopeOrder {
		prio[s] = i
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return prio[ordered[i].Scope] < prio[ordered[j].Scope]
	})

	return &Manager{
		rules:    ordered,
		backends: backendsFor(counters),
		counters: counters,
		penalty:  penalty,
		logger:   logger,
	}, nil
}

// Rules returns the validated rules in evaluation order.
func (m *Manager) Rules() []model.RateLimitRule {
	out := make([]model.RateLimitRule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Evaluate runs the request through every applicable rule. The first
// denial short-circuits: later rules are not consulted and consume no
// budget, conserving capacity the request never used. override, when
// non-nil, replaces the PerAPIKey budget for this request.
func (m *Manager) Evaluate(ctx context.Context, id Identity, override *int64, now time.Time) (model.RateLimitVerdict, error) {
	multiplier, err := m.currentMultiplier(ctx, id.penaltyIdentifier(), now)
	if err != nil {
		return model.RateLimitVerdict{}, err
	}

	endpointRule := m.matchEndpointRule(id.Endpoint)

	verdict := model.RateLimitVerdict{Allowed: true, Remaining: math.MaxInt64}
	evaluated := 0

	for i := range m.rules {
		rule := m.rules[i]
		identifier, ok := m.identifierFor(rule, id, endpointRule)
		if !ok {
			continue
		}

		if rule.Scope == model.ScopePerAPIKey && override != nil {
			rule = rule.WithCapacity(*override)
		}
		effective := applyPenalty(rule, multiplier)

		key := CompositeKey(rule.Scope, identifier, rule.ID)
		res, err := m.backends[rule.Algorithm].TryConsume(ctx, key, effective, now)
		if err != nil {
			return model.RateLimitVerdict{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		evaluated++

		if !res.Allowed {
			// The triggering scope stays in server logs; clients see a
			// generic rate_limited reason.
			m.logger.Info("rate limit exceeded",
				"rule", rule.ID,
				"scope", string(rule.Scope),
				"algorithm", string(rule.Algorithm),
				"identifier", identifier,
				"penalty_multiplier", multiplier,
			)
			if err := m.recordViolation(ctx, id.penaltyIdentifier(), now); err != nil {
				m.logger.Warn("record violation failed", "error", err)
			}
			r := rule
			return model.RateLimitVerdict{
				Allowed:      false,
				Remaining:    0,
				ResetAt:      res.ResetAt,
				RetryAfter:   res.RetryAfter,
				Algorithm:    rule.Algorithm,
				LimitingRule: &r,
			}, nil
		}

		if res.Remaining < verdict.Remaining {
			r := rule
			verdict.Remaining = res.Remaining
			verdict.ResetAt = res.ResetAt
			verdict.Algorithm = rule.Algorithm
			verdict.LimitingRule = &r
		}
	}

	if evaluated == 0 {
		return model.RateLimitVerdict{Allowed: true}, nil
	}

	if err := m.recordCompliance(ctx, id.penaltyIdentifier(), now); err != nil {
		m.logger.Warn("record compliance failed", "error", err)
	}
	return verdict, nil
}

// identifierFor resolves the counter identifier a rule applies to, or
// reports that the rule does not apply to this request.
func (m *Manager) identifierFor(rule model.RateLimitRule, id Identity, endpointRule *model.RateLimitRule) (string, bool) {
	switch rule.Scope {
	case model.ScopeGlobal:
		return "_", true
	case model.ScopePerIP:
		return id.IP, id.IP != ""
	case model.ScopePerUser:
		return id.UserID, id.UserID != ""
	case model.ScopePerAPIKey:
		return id.KeyID, id.KeyID != ""
	case model.ScopePerEndpoint:
		// Only the longest matching prefix applies. Budgets are per key
		// per endpoint so one caller cannot starve an endpoint for
		// everyone (Global covers aggregate protection).
		if endpointRule == nil || endpointRule.ID != rule.ID || id.KeyID == "" {
			return "", false
		}
		return id.KeyID + "|" + rule.Endpoint, true
	default:
		return "", false
	}
}

// matchEndpointRule picks the PerEndpoint rule with the longest prefix
// matching the request path, if any.
func (m *Manager) matchEndpointRule(endpoint string) *model.RateLimitRule {
	var best *model.RateLimitRule
	for i := range m.rules {
		r := &m.rules[i]
		if r.Scope != model.ScopePerEndpoint {
			continue
		}
		if !strings.HasPrefix(endpoint, r.Endpoint) {
			continue
		}
		if best == nil || len(r.Endpoint) > len(best.Endpoint) {
			best = r
		}
	}
	return best
}

// applyPenalty tightens a rule by the penalty multiplier: window
// algorithms shrink their capacity, the token bucket slows its refill.
// The window length itself never changes, because windowStart is derived
// from it and a different length would re-truncate the same instant into
// a different window, resetting the stored count. Global rules are left
// untouched: their counter is shared by all traffic, and a penalty is
// scoped to the violator.
func applyPenalty(rule model.RateLimitRule, multiplier float64) model.RateLimitRule {
	if multiplier <= 1 || rule.Scope == model.ScopeGlobal {
		return rule
	}
	switch rule.Algorithm {
	case model.TokenBucket:
		rule.RefillPerSecond /= multiplier
	default:
		capacity := int64(float64(rule.Capacity) / multiplier)
		if capacity < 1 {
			capacity = 1
		}
		rule.Capacity = capacity
	}
	return rule
}
