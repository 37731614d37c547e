// Package lifecycle enforces the API key state machine: status checks,
// lazy expiry, IP restrictions, and rotation with a grace overlap.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// ErrTerminalStatus is returned when an operation targets a key whose
// status permits no further transitions.
var ErrTerminalStatus = errors.New("key status is terminal")

// casRetries bounds the optimistic-concurrency loop on record updates.
const casRetries = 8

// Check validates a key record against the lifecycle rules and returns a
// denial reason, or "" when the key is usable. Expiry is derived from the
// record's timestamps at check time; a stale stored status never grants
// access past EffectiveExpiry.
func Check(key *model.APIKey, now time.Time, ip string) string {
	switch key.Status {
	case model.StatusRevoked:
		return model.ReasonKeyRevoked
	case model.StatusInactive:
		return model.ReasonKeyInactive
	case model.StatusExpired:
		return model.ReasonKeyExpired
	}

	if exp := key.EffectiveExpiry(); exp != nil && !now.Before(*exp) {
		return model.ReasonKeyExpired
	}

	if len(key.IPAllowList) > 0 && !ipAllowed(key.IPAllowList, ip) {
		return model.ReasonIPRestricted
	}
	return ""
}

// ipAllowed reports whether ip falls inside any allowlist entry. Entries
// are CIDR blocks or bare addresses. Unparseable entries and an
// unparseable caller address both fail closed.
func ipAllowed(allowList []string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		allowed, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if allowed.Unmap() == addr {
			return true
		}
	}
	return false
}

// Manager performs lifecycle transitions against the key store.
type Manager struct {
	keys  store.KeyStore
	codec *credential.Codec
}

func NewManager(keys store.KeyStore, codec *credential.Codec) *Manager {
	return &Manager{keys: keys, codec: codec}
}

// SetStatus transitions a key between Active and Inactive, or into
// Revoked. Transitions out of a terminal status are rejected.
func (m *Manager) SetStatus(ctx context.Context, keyID string, status model.KeyStatus) (*model.APIKey, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		key, err := m.keys.Get(ctx, keyID)
		if err != nil {
			return nil, err
		}
		if key.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminalStatus, keyID, key.Status)
		}

		updated := *key
		updated.Status = status
		if err := m.keys.CompareAndSwap(ctx, &updated, key.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, err
		}
		return &updated, nil
	}
	return nil, store.ErrConflict
}

// Revoke is an immediate, irreversible invalidation of the key.
func (m *Manager) Revoke(ctx context.Context, keyID string) (*model.APIKey, error) {
	return m.SetStatus(ctx, keyID, model.StatusRevoked)
}

// Rotate issues a replacement credential for an active key. The new key
// inherits the label, user, scopes, override, allowlist, and expiry of
// the old one; the old key stays valid until now+grace so in-flight
// clients can switch over without a hard cutover. The raw secret of the
// replacement is returned exactly once.
func (m *Manager) Rotate(ctx context.Context, keyID string, grace time.Duration, now time.Time) (*model.APIKey, string, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		old, err := m.keys.Get(ctx, keyID)
		if err != nil {
			return nil, "", err
		}
		if old.Status != model.StatusActive {
			return nil, "", fmt.Errorf("%w: cannot rotate %s key %s", ErrTerminalStatus, old.Status, keyID)
		}

		newID, secret, err := m.codec.GenerateKeyPair()
		if err != nil {
			return nil, "", fmt.Errorf("generate replacement credential: %w", err)
		}

		replacement := &model.APIKey{
			KeyID:             newID,
			SecretHash:        m.codec.Hash(secret),
			Label:             old.Label,
			UserID:            old.UserID,
			Status:            model.StatusActive,
			Scopes:            append([]string(nil), old.Scopes...),
			RateLimitOverride: old.RateLimitOverride,
			IPAllowList:       append([]string(nil), old.IPAllowList...),
			RotatedFrom:       old.KeyID,
			CreatedAt:         now,
			ExpiresAt:         old.ExpiresAt,
		}

		// Cap the old key first via CAS. If a concurrent transition won,
		// retry from a fresh read; the replacement is only persisted once
		// the cap sticks, so a lost race never mints an orphan key.
		capped := *old
		graceUntil := now.Add(grace)
		capped.GraceUntil = &graceUntil
		if err := m.keys.CompareAndSwap(ctx, &capped, old.Version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, "", err
		}

		if err := m.keys.Put(ctx, replacement); err != nil {
			return nil, "", fmt.Errorf("persist replacement key: %w", err)
		}
		return replacement, secret, nil
	}
	return nil, "", store.ErrConflict
}
