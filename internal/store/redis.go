package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix   = "keygate:ratelimit:"
	violationKeyPrefix = "keygate:penalty:"

	// casRetries bounds optimistic transaction retries under contention
	// before the update is reported as unavailable.
	casRetries = 32
)

// Redis is a CounterStore backed by a Redis instance, for deployments where
// several keygate processes must share counter state. Updates run as
// optimistic WATCH/MULTI transactions keyed on the composite key, which
// serializes concurrent writers per key without any cross-key lock.
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the Redis counter store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis at %s: %v", ErrUnavailable, opts.Addr, err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client (used by tests with a
// miniredis-style stand-in or a shared pool).
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping reports whether the Redis instance is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) UpdateCounter(ctx context.Context, key string, ttl time.Duration, fn func(Counter) Counter) (Counter, error) {
	var out Counter
	err := r.atomicJSON(ctx, counterKeyPrefix+key, ttl, func(raw []byte) ([]byte, error) {
		var state Counter
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &state); err != nil {
				// Corrupt state resets to zero rather than poisoning the key.
				state = Counter{}
			}
		}
		out = fn(state)
		return json.Marshal(out)
	})
	if err != nil {
		return Counter{}, err
	}
	return out, nil
}

func (r *Redis) UpdateViolation(ctx context.Context, key string, ttl time.Duration, fn func(Violation) Violation) (Violation, error) {
	var out Violation
	err := r.atomicJSON(ctx, violationKeyPrefix+key, ttl, func(raw []byte) ([]byte, error) {
		var state Violation
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &state); err != nil {
				state = Violation{}
			}
		}
		out = fn(state)
		return json.Marshal(out)
	})
	if err != nil {
		return Violation{}, err
	}
	return out, nil
}

// atomicJSON applies fn to the value at key inside a WATCH/MULTI
// transaction, retrying on contention. The state function may run several
// times; it must stay pure.
func (r *Redis) atomicJSON(ctx context.Context, key string, ttl time.Duration, fn func(raw []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		next, err := fn(raw)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl > 0 {
				pipe.Set(ctx, key, next, ttl)
			} else {
				pipe.Set(ctx, key, next, 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue // another writer got there first, re-read and retry
		}
		return fmt.Errorf("%w: update %s: %v", ErrUnavailable, key, err)
	}
	return fmt.Errorf("%w: update %s: retries exhausted", ErrUnavailable, key)
}
