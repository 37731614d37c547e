package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keygatedb/keygate/internal/model"
)

func TestMemoryKeyCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key := &model.APIKey{
		KeyID:      "ak_test",
		SecretHash: "hash",
		Status:     model.StatusActive,
		Scopes:     []string{"read"},
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.Put(ctx, key); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if key.Version != 1 {
		t.Errorf("version after put: got %d, want 1", key.Version)
	}

	got, err := m.Get(ctx, "ak_test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SecretHash != "hash" {
		t.Errorf("got hash %q, want %q", got.SecretHash, "hash")
	}

	// Mutating the returned record must not change stored state.
	got.Scopes[0] = "admin"
	again, _ := m.Get(ctx, "ak_test")
	if again.Scopes[0] != "read" {
		t.Error("stored record aliased caller's copy")
	}

	if _, err := m.Get(ctx, "ak_missing"); err != ErrNotFound {
		t.Errorf("Get missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryCompareAndSwap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key := &model.APIKey{KeyID: "ak_cas", Status: model.StatusActive, CreatedAt: time.Now()}
	if err := m.Put(ctx, key); err != nil {
		t.Fatalf("Put: %v", err)
	}

	updated := *key
	updated.Status = model.StatusRevoked
	if err := m.CompareAndSwap(ctx, &updated, key.Version); err != nil {
		t.Fatalf("CAS: %v", err)
	}

	// Second CAS against the stale version must fail.
	stale := *key
	stale.Status = model.StatusInactive
	if err := m.CompareAndSwap(ctx, &stale, key.Version); err != ErrConflict {
		t.Errorf("stale CAS: got %v, want ErrConflict", err)
	}

	got, _ := m.Get(ctx, "ak_cas")
	if got.Status != model.StatusRevoked {
		t.Errorf("status after CAS: got %s, want revoked", got.Status)
	}

	missing := model.APIKey{KeyID: "ak_gone"}
	if err := m.CompareAndSwap(ctx, &missing, 1); err != ErrNotFound {
		t.Errorf("CAS missing: got %v, want ErrNotFound", err)
	}
}

func TestMemoryConcurrentCASSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key := &model.APIKey{KeyID: "ak_race", Status: model.StatusActive, CreatedAt: time.Now()}
	if err := m.Put(ctx, key); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			upd := *key
			upd.Status = model.StatusRevoked
			if err := m.CompareAndSwap(ctx, &upd, key.Version); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Errorf("concurrent CAS winners: got %d, want exactly 1", n)
	}
}

func TestMemoryCounterAtomicUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdateCounter(ctx, "global::g1", time.Minute, func(c Counter) Counter {
				c.Count++
				return c
			})
			if err != nil {
				t.Errorf("UpdateCounter: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := m.UpdateCounter(ctx, "global::g1", time.Minute, func(c Counter) Counter { return c })
	if err != nil {
		t.Fatalf("UpdateCounter: %v", err)
	}
	if final.Count != workers {
		t.Errorf("count after %d concurrent increments: got %d", workers, final.Count)
	}
}

func TestMemoryCounterTTLReset(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.UpdateCounter(ctx, "k", time.Nanosecond, func(c Counter) Counter {
		c.Count = 5
		return c
	})
	if err != nil {
		t.Fatalf("UpdateCounter: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	got, err := m.UpdateCounter(ctx, "k", time.Minute, func(c Counter) Counter { return c })
	if err != nil {
		t.Fatalf("UpdateCounter: %v", err)
	}
	if got.Count != 0 {
		t.Errorf("count after TTL expiry: got %d, want 0", got.Count)
	}
}

func TestMemoryTouch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	key := &model.APIKey{KeyID: "ak_touch", Status: model.StatusActive, CreatedAt: time.Now()}
	if err := m.Put(ctx, key); err != nil {
		t.Fatalf("Put: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := m.Touch(ctx, "ak_touch", at); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, _ := m.Get(ctx, "ak_touch")
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(at) {
		t.Errorf("last used: got %v, want %v", got.LastUsedAt, at)
	}

	if err := m.Touch(ctx, "ak_missing", at); err != ErrNotFound {
		t.Errorf("Touch missing: got %v, want ErrNotFound", err)
	}
}
