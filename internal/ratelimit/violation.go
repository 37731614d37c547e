package ratelimit

import (
	"context"
	"time"

	"github.com/keygatedb/keygate/internal/store"
)

// PenaltyPolicy controls progressive escalation for repeat violators.
// Once an identifier accumulates Threshold consecutive violations inside
// Window, its effective limits tighten by Factor (capacities shrink,
// refill rates slow), up to MaxMultiplier. A Cooldown of compliant
// traffic resets the multiplier to baseline.
type PenaltyPolicy struct {
	Enabled       bool
	Threshold     int64
	Window        time.Duration
	Factor        float64
	MaxMultiplier float64
	Cooldown      time.Duration
}

// DefaultPenaltyPolicy mirrors the shipped configuration defaults.
func DefaultPenaltyPolicy() PenaltyPolicy {
	return PenaltyPolicy{
		Enabled:       true,
		Threshold:     5,
		Window:        time.Minute,
		Factor:        2,
		MaxMultiplier: 8,
		Cooldown:      5 * time.Minute,
	}
}

// violationTTL keeps stale violation state from lingering in the counter
// store long after it can no longer influence a decision.
func (p PenaltyPolicy) violationTTL() time.Duration {
	ttl := p.Cooldown
	if p.Window > ttl {
		ttl = p.Window
	}
	return 2 * ttl
}

// currentMultiplier reads the penalty state for an identifier, applying
// cooldown decay in the same atomic update. Returns 1 when no penalty is
// in effect.
func (m *Manager) currentMultiplier(ctx context.Context, identifier string, now time.Time) (float64, error) {
	if !m.penalty.Enabled {
		return 1, nil
	}
	v, err := m.counters.UpdateViolation(ctx, identifier, m.penalty.violationTTL(), func(v store.Violation) store.Violation {
		if v.LastAt != 0 && now.Sub(time.Unix(0, v.LastAt)) >= m.penalty.Cooldown {
			// Sustained compliance: back to baseline.
			v = store.Violation{}
		}
		return v
	})
	if err != nil {
		return 0, err
	}
	if v.Multiplier < 1 {
		return 1, nil
	}
	return v.Multiplier, nil
}

// recordViolation bumps the consecutive-violation count and escalates the
// multiplier when the count crosses the threshold within the penalty
// window.
func (m *Manager) recordViolation(ctx context.Context, identifier string, now time.Time) error {
	if !m.penalty.Enabled {
		return nil
	}
	_, err := m.counters.UpdateViolation(ctx, identifier, m.penalty.violationTTL(), func(v store.Violation) store.Violation {
		if v.LastAt != 0 && now.Sub(time.Unix(0, v.LastAt)) > m.penalty.Window {
			// Too long since the last violation to count as consecutive.
			v.Consecutive = 0
		}
		v.Consecutive++
		v.LastAt = now.UnixNano()

		if v.Consecutive >= m.penalty.Threshold {
			next := v.Multiplier * m.penalty.Factor
			if v.Multiplier < 1 {
				next = m.penalty.Factor
			}
			if next > m.penalty.MaxMultiplier {
				next = m.penalty.MaxMultiplier
			}
			v.Multiplier = next
			// Escalation consumes the streak; the next bump needs a
			// fresh run of violations.
			v.Consecutive = 0
		}
		return v
	})
	return err
}

// recordCompliance notes an allowed request. Consecutive violations decay
// on compliant traffic; the multiplier itself only resets after a full
// cooldown, handled in currentMultiplier.
func (m *Manager) recordCompliance(ctx context.Context, identifier string, now time.Time) error {
	if !m.penalty.Enabled {
		return nil
	}
	_, err := m.counters.UpdateViolation(ctx, identifier, m.penalty.violationTTL(), func(v store.Violation) store.Violation {
		if v.Consecutive > 0 {
			v.Consecutive--
		}
		return v
	})
	return err
}
