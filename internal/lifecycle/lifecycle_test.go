package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func activeKey(id string) *model.APIKey {
	return &model.APIKey{
		KeyID:      id,
		SecretHash: "irrelevant",
		Label:      "test",
		Status:     model.StatusActive,
		CreatedAt:  t0.Add(-time.Hour),
	}
}

func TestCheckStatuses(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.APIKey)
		want   string
	}{
		{"active", func(k *model.APIKey) {}, ""},
		{"inactive", func(k *model.APIKey) { k.Status = model.StatusInactive }, model.ReasonKeyInactive},
		{"revoked", func(k *model.APIKey) { k.Status = model.StatusRevoked }, model.ReasonKeyRevoked},
		{"stored expired", func(k *model.APIKey) { k.Status = model.StatusExpired }, model.ReasonKeyExpired},
		{"past expires_at", func(k *model.APIKey) {
			exp := t0.Add(-time.Minute)
			k.ExpiresAt = &exp
		}, model.ReasonKeyExpired},
		{"expires_at exactly now", func(k *model.APIKey) {
			exp := t0
			k.ExpiresAt = &exp
		}, model.ReasonKeyExpired},
		{"future expires_at", func(k *model.APIKey) {
			exp := t0.Add(time.Hour)
			k.ExpiresAt = &exp
		}, ""},
		{"grace cap beats expires_at", func(k *model.APIKey) {
			exp := t0.Add(time.Hour)
			grace := t0.Add(-time.Second)
			k.ExpiresAt = &exp
			k.GraceUntil = &grace
		}, model.ReasonKeyExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := activeKey("ak_check")
			tt.mutate(key)
			if got := Check(key, t0, "203.0.113.7"); got != tt.want {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Once a key is expired it stays expired at every later instant.
func TestCheckExpiryMonotonic(t *testing.T) {
	key := activeKey("ak_mono")
	exp := t0.Add(time.Minute)
	key.ExpiresAt = &exp

	if got := Check(key, t0, ""); got != "" {
		t.Fatalf("before expiry: got %q, want allow", got)
	}
	for _, offset := range []time.Duration{time.Minute, 2 * time.Minute, 24 * time.Hour} {
		if got := Check(key, t0.Add(offset), ""); got != model.ReasonKeyExpired {
			t.Errorf("at +%v: got %q, want %q", offset, got, model.ReasonKeyExpired)
		}
	}
}

func TestCheckIPAllowList(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		ip    string
		want  string
	}{
		{"no restriction", nil, "198.51.100.1", ""},
		{"exact match", []string{"198.51.100.1"}, "198.51.100.1", ""},
		{"exact mismatch", []string{"198.51.100.1"}, "198.51.100.2", model.ReasonIPRestricted},
		{"cidr match", []string{"10.0.0.0/8"}, "10.42.0.7", ""},
		{"cidr mismatch", []string{"10.0.0.0/8"}, "192.168.0.1", model.ReasonIPRestricted},
		{"second entry matches", []string{"10.0.0.0/8", "2001:db8::/32"}, "2001:db8::1", ""},
		{"malformed entry is skipped", []string{"not-a-cidr/99", "10.0.0.0/8"}, "10.1.1.1", ""},
		{"unparseable caller fails closed", []string{"10.0.0.0/8"}, "bogus", model.ReasonIPRestricted},
		{"empty caller fails closed", []string{"10.0.0.0/8"}, "", model.ReasonIPRestricted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := activeKey("ak_ip")
			key.IPAllowList = tt.allow
			if got := Check(key, t0, tt.ip); got != tt.want {
				t.Errorf("Check() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestManager(t *testing.T) (*Manager, store.KeyStore) {
	t.Helper()
	codec, err := credential.NewCodec([]byte("lifecycle-test-signing-key"))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	mem := store.NewMemory()
	return NewManager(mem, codec), mem
}

func TestSetStatusToggle(t *testing.T) {
	m, keys := newTestManager(t)
	ctx := context.Background()
	if err := keys.Put(ctx, activeKey("ak_tog")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := m.SetStatus(ctx, "ak_tog", model.StatusInactive)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != model.StatusInactive {
		t.Errorf("status = %s, want inactive", got.Status)
	}

	got, err = m.SetStatus(ctx, "ak_tog", model.StatusActive)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if got.Status != model.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestRevokeIsIrreversible(t *testing.T) {
	m, keys := newTestManager(t)
	ctx := context.Background()
	if err := keys.Put(ctx, activeKey("ak_rev")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := m.Revoke(ctx, "ak_rev"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := m.SetStatus(ctx, "ak_rev", model.StatusActive); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("reactivating revoked key: got %v, want ErrTerminalStatus", err)
	}
	if _, _, err := m.Rotate(ctx, "ak_rev", time.Hour, t0); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("rotating revoked key: got %v, want ErrTerminalStatus", err)
	}
}

func TestSetStatusUnknownKey(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.SetStatus(context.Background(), "ak_missing", model.StatusInactive); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRotate(t *testing.T) {
	m, keys := newTestManager(t)
	ctx := context.Background()

	override := int64(50)
	exp := t0.Add(24 * time.Hour)
	old := activeKey("ak_old")
	old.UserID = "u1"
	old.Scopes = []string{"read", "write"}
	old.RateLimitOverride = &override
	old.IPAllowList = []string{"10.0.0.0/8"}
	old.ExpiresAt = &exp
	if err := keys.Put(ctx, old); err != nil {
		t.Fatalf("Put: %v", err)
	}
	oldHash := old.SecretHash

	grace := time.Hour
	replacement, secret, err := m.Rotate(ctx, "ak_old", grace, t0)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if replacement.KeyID == old.KeyID {
		t.Error("replacement reuses the old key ID")
	}
	if secret == "" {
		t.Error("replacement secret not returned")
	}
	if replacement.SecretHash == oldHash {
		t.Error("replacement reuses the old secret hash")
	}
	if replacement.RotatedFrom != "ak_old" {
		t.Errorf("RotatedFrom = %q, want ak_old", replacement.RotatedFrom)
	}
	if replacement.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", replacement.UserID)
	}
	if len(replacement.Scopes) != 2 {
		t.Errorf("scopes not inherited: %v", replacement.Scopes)
	}
	if replacement.RateLimitOverride == nil || *replacement.RateLimitOverride != 50 {
		t.Error("rate limit override not inherited")
	}
	if replacement.GraceUntil != nil {
		t.Error("replacement must not carry a grace cap")
	}

	stored, err := keys.Get(ctx, "ak_old")
	if err != nil {
		t.Fatalf("Get old: %v", err)
	}
	if stored.GraceUntil == nil {
		t.Fatal("old key has no grace cap")
	}
	if want := t0.Add(grace); !stored.GraceUntil.Equal(want) {
		t.Errorf("GraceUntil = %v, want %v", stored.GraceUntil, want)
	}
}

// During the grace window both credentials validate; after it only the
// replacement does.
func TestRotateGraceOverlap(t *testing.T) {
	m, keys := newTestManager(t)
	ctx := context.Background()
	if err := keys.Put(ctx, activeKey("ak_g")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	replacement, _, err := m.Rotate(ctx, "ak_g", time.Hour, t0)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	old, err := keys.Get(ctx, "ak_g")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	inGrace := t0.Add(30 * time.Minute)
	if got := Check(old, inGrace, ""); got != "" {
		t.Errorf("old key inside grace: got %q, want allow", got)
	}
	if got := Check(replacement, inGrace, ""); got != "" {
		t.Errorf("replacement inside grace: got %q, want allow", got)
	}

	afterGrace := t0.Add(2 * time.Hour)
	if got := Check(old, afterGrace, ""); got != model.ReasonKeyExpired {
		t.Errorf("old key after grace: got %q, want %q", got, model.ReasonKeyExpired)
	}
	if got := Check(replacement, afterGrace, ""); got != "" {
		t.Errorf("replacement after grace: got %q, want allow", got)
	}
}

func TestRotateInactiveKeyRejected(t *testing.T) {
	m, keys := newTestManager(t)
	ctx := context.Background()
	key := activeKey("ak_ina")
	key.Status = model.StatusInactive
	if err := keys.Put(ctx, key); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, _, err := m.Rotate(ctx, "ak_ina", time.Hour, t0); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("got %v, want ErrTerminalStatus", err)
	}
}
