package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keygatedb/keygate/internal/model"
)

// Memory is an in-process implementation of both KeyStore and CounterStore.
// It backs single-binary deployments and tests. Counter entries carry their
// own mutex so contention on one composite key never blocks another.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*model.APIKey

	counters   sync.Map // string -> *counterEntry
	violations sync.Map // string -> *violationEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*model.APIKey)}
}

// ---------------------------------------------------------------------------
// KeyStore
// ---------------------------------------------------------------------------

func (m *Memory) Get(ctx context.Context, keyID string) (*model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneKey(k)
	return &cp, nil
}

func (m *Memory) Put(ctx context.Context, key *model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneKey(key)
	cp.Version++
	m.keys[key.KeyID] = &cp
	key.Version = cp.Version
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key *model.APIKey, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.keys[key.KeyID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := cloneKey(key)
	cp.Version = expectedVersion + 1
	m.keys[key.KeyID] = &cp
	key.Version = cp.Version
	return nil
}

func (m *Memory) List(ctx context.Context) ([]model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, cloneKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Touch(ctx context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[keyID]
	if !ok {
		return ErrNotFound
	}
	t := at
	k.LastUsedAt = &t
	return nil
}

// cloneKey deep-copies a record so callers never alias stored state.
func cloneKey(k *model.APIKey) model.APIKey {
	cp := *k
	cp.Scopes = append([]string(nil), k.Scopes...)
	cp.IPAllowList = append([]string(nil), k.IPAllowList...)
	if k.RateLimitOverride != nil {
		v := *k.RateLimitOverride
		cp.RateLimitOverride = &v
	}
	if k.GraceUntil != nil {
		t := *k.GraceUntil
		cp.GraceUntil = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return cp
}

// ---------------------------------------------------------------------------
// CounterStore
// ---------------------------------------------------------------------------

type counterEntry struct {
	mu      sync.Mutex
	state   Counter
	expires time.Time
}

type violationEntry struct {
	mu      sync.Mutex
	state   Violation
	expires time.Time
}

func (m *Memory) UpdateCounter(ctx context.Context, key string, ttl time.Duration, fn func(Counter) Counter) (Counter, error) {
	v, _ := m.counters.LoadOrStore(key, &counterEntry{})
	e := v.(*counterEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if !e.expires.IsZero() && now.After(e.expires) {
		e.state = Counter{}
	}
	e.state = fn(e.state)
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	return e.state, nil
}

func (m *Memory) UpdateViolation(ctx context.Context, key string, ttl time.Duration, fn func(Violation) Violation) (Violation, error) {
	v, _ := m.violations.LoadOrStore(key, &violationEntry{})
	e := v.(*violationEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if !e.expires.IsZero() && now.After(e.expires) {
		e.state = Violation{}
	}
	e.state = fn(e.state)
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	return e.state, nil
}
