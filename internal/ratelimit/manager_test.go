package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

func newTestManager(t *testing.T, rules []model.RateLimitRule, penalty PenaltyPolicy) *Manager {
	t.Helper()
	m, err := NewManager(store.NewMemory(), rules, penalty, slog.Default())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerRejectsInvalidRules(t *testing.T) {
	bad := []model.RateLimitRule{{ID: "x", Scope: model.ScopeGlobal, Algorithm: model.FixedWindow}}
	if _, err := NewManager(store.NewMemory(), bad, PenaltyPolicy{}, nil); err == nil {
		t.Fatal("expected error for invalid rule")
	}
}

func TestManagerOrdersRulesByScope(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "k", Scope: model.ScopePerAPIKey, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Minute},
		{ID: "g", Scope: model.ScopeGlobal, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Minute},
		{ID: "ip", Scope: model.ScopePerIP, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Minute},
	}
	m := newTestManager(t, rules, PenaltyPolicy{})

	got := m.Rules()
	wantOrder := []string{"g", "ip", "k"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Errorf("rule %d: got %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestManagerNoRulesAllows(t *testing.T) {
	m := newTestManager(t, nil, PenaltyPolicy{})

	v, err := m.Evaluate(context.Background(), Identity{KeyID: "ak_x"}, nil, t0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Allowed {
		t.Error("empty rule set should allow")
	}
	if v.LimitingRule != nil {
		t.Error("expected no limiting rule")
	}
}

// A denial at a higher-priority scope must not consume budget from rules
// further down the list.
func TestManagerShortCircuitConservesBudget(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "g", Scope: model.ScopeGlobal, Algorithm: model.FixedWindow, Capacity: 2, Window: time.Minute},
		{ID: "k", Scope: model.ScopePerAPIKey, Algorithm: model.FixedWindow, Capacity: 3, Window: time.Hour},
	}
	m := newTestManager(t, rules, PenaltyPolicy{})
	ctx := context.Background()
	id := Identity{KeyID: "ak_sc", IP: "10.0.0.1"}

	for i := 0; i < 2; i++ {
		v, err := m.Evaluate(ctx, id, nil, t0)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !v.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}

	// Third request: the global rule denies; the per-key rule (1 budget
	// left) must not be charged.
	v, err := m.Evaluate(ctx, id, nil, t0)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected global denial")
	}
	if v.LimitingRule == nil || v.LimitingRule.ID != "g" {
		t.Fatalf("limiting rule: got %v, want g", v.LimitingRule)
	}

	// In a fresh global window the per-key budget must still have one
	// request left; if the short-circuit had leaked a consume, this
	// would deny.
	later := t0.Add(time.Minute)
	v, err = m.Evaluate(ctx, id, nil, later)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Allowed {
		t.Error("per-key budget was consumed during a short-circuited denial")
	}
}

func TestManagerOverrideReplacesPerKeyCapacity(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "k", Scope: model.ScopePerAPIKey, Algorithm: model.FixedWindow, Capacity: 100, Window: time.Minute},
	}
	m := newTestManager(t, rules, PenaltyPolicy{})
	ctx := context.Background()
	id := Identity{KeyID: "ak_ovr"}
	override := int64(2)

	for i := 0; i < 2; i++ {
		v, _ := m.Evaluate(ctx, id, &override, t0)
		if !v.Allowed {
			t.Fatalf("request %d denied under override", i+1)
		}
	}
	v, _ := m.Evaluate(ctx, id, &override, t0)
	if v.Allowed {
		t.Error("override of 2 should deny the third request")
	}
}

func TestManagerPerUserSkippedWithoutUser(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "u", Scope: model.ScopePerUser, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Minute},
	}
	m := newTestManager(t, rules, PenaltyPolicy{})
	ctx := context.Background()

	// No user dimension: the rule does not apply, everything passes.
	for i := 0; i < 3; i++ {
		v, _ := m.Evaluate(ctx, Identity{KeyID: "ak_nouser"}, nil, t0)
		if !v.Allowed {
			t.Fatalf("request %d denied by inapplicable per-user rule", i+1)
		}
	}

	// With a user it applies.
	id := Identity{KeyID: "ak_u", UserID: "u1"}
	if v, _ := m.Evaluate(ctx, id, nil, t0); !v.Allowed {
		t.Fatal("first user request denied")
	}
	if v, _ := m.Evaluate(ctx, id, nil, t0); v.Allowed {
		t.Error("second user request should exceed the per-user budget")
	}
}

func TestManagerEndpointLongestPrefixWins(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "api", Scope: model.ScopePerEndpoint, Algorithm: model.FixedWindow, Capacity: 100, Window: time.Minute, Endpoint: "/v1"},
		{ID: "users", Scope: model.ScopePerEndpoint, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Minute, Endpoint: "/v1/users"},
	}
	m := newTestManager(t, rules, PenaltyPolicy{})
	ctx := context.Background()
	id := Identity{KeyID: "ak_ep", Endpoint: "/v1/users/42"}

	if v, _ := m.Evaluate(ctx, id, nil, t0); !v.Allowed {
		t.Fatal("first request denied")
	}
	v, _ := m.Evaluate(ctx, id, nil, t0)
	if v.Allowed {
		t.Fatal("longest-prefix rule (capacity 1) should deny the second request")
	}
	if v.LimitingRule == nil || v.LimitingRule.ID != "users" {
		t.Errorf("limiting rule: got %v, want users", v.LimitingRule)
	}
}

// Spec property: five consecutive violations inside the penalty window
// escalate the multiplier; a cooldown of compliance resets it.
func TestManagerProgressivePenalty(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "k", Scope: model.ScopePerAPIKey, Algorithm: model.FixedWindow, Capacity: 4, Window: time.Second},
	}
	penalty := PenaltyPolicy{
		Enabled:       true,
		Threshold:     5,
		Window:        time.Minute,
		Factor:        2,
		MaxMultiplier: 8,
		Cooldown:      time.Minute,
	}
	m := newTestManager(t, rules, penalty)
	ctx := context.Background()
	id := Identity{KeyID: "ak_pen"}

	// Exhaust the window, then five violations to cross the threshold.
	for i := 0; i < 4; i++ {
		if v, _ := m.Evaluate(ctx, id, nil, t0); !v.Allowed {
			t.Fatalf("request %d denied under full budget", i+1)
		}
	}
	for i := 0; i < 5; i++ {
		v, err := m.Evaluate(ctx, id, nil, t0)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if v.Allowed {
			t.Fatalf("violation %d unexpectedly allowed", i+1)
		}
	}

	// A fresh window under a 2x multiplier carries half the budget: two
	// requests pass, the third is denied where baseline would allow four.
	next := t0.Add(time.Second)
	for i := 0; i < 2; i++ {
		v, err := m.Evaluate(ctx, id, nil, next)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !v.Allowed {
			t.Fatalf("request %d denied under halved budget", i+1)
		}
	}
	v, err := m.Evaluate(ctx, id, nil, next)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Allowed {
		t.Error("escalated penalty should halve the capacity and deny")
	}

	// After a full cooldown with no violations the multiplier resets and
	// a fresh window admits the full budget again.
	calm := t0.Add(2 * time.Minute)
	for i := 0; i < 4; i++ {
		v, err := m.Evaluate(ctx, id, nil, calm)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !v.Allowed {
			t.Errorf("request %d denied after cooldown reset", i+1)
		}
	}
}

// An escalating multiplier must never shift counter alignment or touch
// shared budgets. This runs at an instant whose truncation differs
// between the base window and a doubled one; if the penalty changed the
// window length, the denied violator's next request would land in a
// "new" window with a reset count and sail through.
func TestManagerPenaltyPreservesSharedCounter(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "g", Scope: model.ScopeGlobal, Algorithm: model.FixedWindow, Capacity: 3, Window: time.Minute},
	}
	penalty := PenaltyPolicy{
		Enabled:       true,
		Threshold:     1,
		Window:        time.Minute,
		Factor:        2,
		MaxMultiplier: 8,
		Cooldown:      5 * time.Minute,
	}
	m := newTestManager(t, rules, penalty)
	ctx := context.Background()
	id := Identity{KeyID: "ak_glob"}

	at := t0.Add(3*time.Minute + 10*time.Second)
	if at.Truncate(time.Minute).Equal(at.Truncate(2 * time.Minute)) {
		t.Fatal("test instant must truncate differently under a doubled window")
	}

	for i := 0; i < 3; i++ {
		if v, _ := m.Evaluate(ctx, id, nil, at); !v.Allowed {
			t.Fatalf("request %d denied under shared budget", i+1)
		}
	}

	// Fourth request denies and escalates the violator's multiplier.
	v, err := m.Evaluate(ctx, id, nil, at)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected denial at the shared capacity")
	}

	// Same instant, same violator: the shared count must still stand.
	v, err = m.Evaluate(ctx, id, nil, at)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Allowed {
		t.Error("penalized violator re-admitted at the same instant")
	}

	// Other traffic shares the exhausted budget and stays denied too.
	v, err = m.Evaluate(ctx, Identity{KeyID: "ak_other"}, nil, at)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Allowed {
		t.Error("shared global counter was reset by another caller's penalty")
	}
}

// A tiny budget cannot shrink below one; the penalty still bites through
// the violator's other dimensions but never zeroes a rule out entirely.
func TestManagerPenaltyCapacityFloor(t *testing.T) {
	if got := applyPenalty(model.RateLimitRule{
		Scope: model.ScopePerAPIKey, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Second,
	}, 8).Capacity; got != 1 {
		t.Errorf("penalized capacity: got %d, want floor of 1", got)
	}
}

// errCounterStore fails every update, standing in for an unreachable
// backend.
type errCounterStore struct{}

func (errCounterStore) UpdateCounter(ctx context.Context, key string, ttl time.Duration, fn func(store.Counter) store.Counter) (store.Counter, error) {
	return store.Counter{}, store.ErrUnavailable
}

func (errCounterStore) UpdateViolation(ctx context.Context, key string, ttl time.Duration, fn func(store.Violation) store.Violation) (store.Violation, error) {
	return store.Violation{}, store.ErrUnavailable
}

func TestManagerPropagatesStoreFailure(t *testing.T) {
	rules := []model.RateLimitRule{
		{ID: "g", Scope: model.ScopeGlobal, Algorithm: model.FixedWindow, Capacity: 1, Window: time.Minute},
	}
	m, err := NewManager(errCounterStore{}, rules, PenaltyPolicy{}, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := m.Evaluate(context.Background(), Identity{KeyID: "ak_x"}, nil, t0); err == nil {
		t.Fatal("expected store failure to propagate")
	}
}
