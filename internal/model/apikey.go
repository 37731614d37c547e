package model

import "time"

// KeyStatus is the stored lifecycle state of an API key. Expired is derived
// at check time from ExpiresAt and is only persisted by the optional
// bookkeeping sweep, never consulted by the decision path.
type KeyStatus string

const (
	StatusActive   KeyStatus = "active"
	StatusInactive KeyStatus = "inactive"
	StatusRevoked  KeyStatus = "revoked"
	StatusExpired  KeyStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
// Active and Inactive toggle freely; Revoked and Expired are final.
func (s KeyStatus) Terminal() bool {
	return s == StatusRevoked || s == StatusExpired
}

// APIKey represents a stored API key record. The raw secret is never
// persisted; only an HMAC-SHA256 hash under the server signing key.
type APIKey struct {
	KeyID      string    `json:"key_id" db:"key_id"`
	SecretHash string    `json:"-" db:"secret_hash"` // never expose
	Label      string    `json:"label" db:"label"`
	UserID     string    `json:"user_id,omitempty" db:"user_id"`
	Status     KeyStatus `json:"status" db:"status"`
	Scopes     []string  `json:"scopes" db:"-"`

	// RateLimitOverride, when set, replaces the capacity of the per-key
	// rule for this key. It is authoritative, not additive.
	RateLimitOverride *int64 `json:"rate_limit_override,omitempty" db:"rate_limit_override"`

	// IPAllowList restricts the key to the listed CIDR blocks or single
	// addresses. Empty means no restriction.
	IPAllowList []string `json:"ip_allow_list,omitempty" db:"-"`

	// RotatedFrom records the key this one replaced, if any.
	RotatedFrom string `json:"rotated_from,omitempty" db:"rotated_from"`

	// GraceUntil caps the validity of a rotated-out key. During the grace
	// window both the old and the replacement key validate.
	GraceUntil *time.Time `json:"grace_until,omitempty" db:"grace_until"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`

	// Version increments on every write and backs compare-and-swap
	// updates; rotation depends on it.
	Version int64 `json:"-" db:"version"`
}

// HasScope reports whether the key carries the given permission scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// EffectiveExpiry returns the earlier of ExpiresAt and GraceUntil, or nil
// if neither is set.
func (k *APIKey) EffectiveExpiry() *time.Time {
	switch {
	case k.ExpiresAt == nil:
		return k.GraceUntil
	case k.GraceUntil == nil:
		return k.ExpiresAt
	case k.GraceUntil.Before(*k.ExpiresAt):
		return k.GraceUntil
	default:
		return k.ExpiresAt
	}
}
