package service

import (
	"context"
	"fmt"
	"time"

	"github.com/keygatedb/keygate/internal/clock"
	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/lifecycle"
	"github.com/keygatedb/keygate/internal/model"
	"github.com/keygatedb/keygate/internal/store"
)

// DefaultRotationGrace is how long a rotated-out key keeps validating
// when the caller does not choose a grace window.
const DefaultRotationGrace = 24 * time.Hour

// CreateKeyParams describes a key to mint.
type CreateKeyParams struct {
	Label             string     `json:"label"`
	UserID            string     `json:"user_id,omitempty"`
	Scopes            []string   `json:"scopes,omitempty"`
	RateLimitOverride *int64     `json:"rate_limit_override,omitempty"`
	IPAllowList       []string   `json:"ip_allow_list,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// Keys manages API key records for the admin surfaces. The decision path
// never goes through it.
type Keys struct {
	keys      store.KeyStore
	codec     *credential.Codec
	lifecycle *lifecycle.Manager
	clock     clock.Clock
}

func NewKeys(keys store.KeyStore, codec *credential.Codec, clk clock.Clock) *Keys {
	if clk == nil {
		clk = clock.System{}
	}
	return &Keys{
		keys:      keys,
		codec:     codec,
		lifecycle: lifecycle.NewManager(keys, codec),
		clock:     clk,
	}
}

// Create mints a key pair and persists the record. The raw secret is
// returned exactly once and never stored.
func (s *Keys) Create(ctx context.Context, params CreateKeyParams) (*model.APIKey, string, error) {
	if params.Label == "" {
		return nil, "", fmt.Errorf("key label is required")
	}
	now := s.clock.Now()
	if params.ExpiresAt != nil && !params.ExpiresAt.After(now) {
		return nil, "", fmt.Errorf("expires_at must be in the future")
	}

	keyID, secret, err := s.codec.GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	key := &model.APIKey{
		KeyID:             keyID,
		SecretHash:        s.codec.Hash(secret),
		Label:             params.Label,
		UserID:            params.UserID,
		Status:            model.StatusActive,
		Scopes:            params.Scopes,
		RateLimitOverride: params.RateLimitOverride,
		IPAllowList:       params.IPAllowList,
		CreatedAt:         now,
		ExpiresAt:         params.ExpiresAt,
	}
	if err := s.keys.Put(ctx, key); err != nil {
		return nil, "", fmt.Errorf("persist key: %w", err)
	}
	return key, secret, nil
}

// Get returns one key record.
func (s *Keys) Get(ctx context.Context, keyID string) (*model.APIKey, error) {
	return s.keys.Get(ctx, keyID)
}

// List returns all key records, newest first.
func (s *Keys) List(ctx context.Context) ([]model.APIKey, error) {
	return s.keys.List(ctx)
}

// Activate re-enables an inactive key.
func (s *Keys) Activate(ctx context.Context, keyID string) (*model.APIKey, error) {
	return s.lifecycle.SetStatus(ctx, keyID, model.StatusActive)
}

// Deactivate suspends a key without destroying it.
func (s *Keys) Deactivate(ctx context.Context, keyID string) (*model.APIKey, error) {
	return s.lifecycle.SetStatus(ctx, keyID, model.StatusInactive)
}

// Revoke permanently invalidates a key.
func (s *Keys) Revoke(ctx context.Context, keyID string) (*model.APIKey, error) {
	return s.lifecycle.Revoke(ctx, keyID)
}

// Rotate issues a replacement credential, keeping the old key valid for
// the grace window (DefaultRotationGrace when grace is zero).
func (s *Keys) Rotate(ctx context.Context, keyID string, grace time.Duration) (*model.APIKey, string, error) {
	if grace <= 0 {
		grace = DefaultRotationGrace
	}
	return s.lifecycle.Rotate(ctx, keyID, grace, s.clock.Now())
}
