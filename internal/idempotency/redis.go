package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const guardPrefix = "guard:v1:"

type record struct {
	Fingerprint string `json:"fingerprint"`
	Done        bool   `json:"done"`
	Result      []byte `json:"result,omitempty"`
}

// RedisGuard stores reservations in Redis with a TTL, so retried requests
// from external collaborators dedupe across process restarts.
type RedisGuard struct {
	cache *redis.Client
	ttl   time.Duration
}

// NewRedisGuard builds a Redis-backed guard.
func NewRedisGuard(cache *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{cache: cache, ttl: ttl}
}

func guardKey(operation, key string) string {
	return guardPrefix + operation + ":" + key
}

func (g *RedisGuard) CheckAndReserve(ctx context.Context, operation, key, fingerprint string) (Result, error) {
	payload, err := json.Marshal(record{Fingerprint: fingerprint})
	if err != nil {
		return Result{}, err
	}

	claimed, err := g.cache.SetNX(ctx, guardKey(operation, key), payload, g.ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("guard reserve: %w", err)
	}
	if claimed {
		return Result{New: true}, nil
	}

	stored, err := g.cache.Get(ctx, guardKey(operation, key)).Bytes()
	if err != nil {
		// Reservation expired between SetNX and Get; treat as contended.
		if err == redis.Nil {
			return Result{}, ErrInProgress
		}
		return Result{}, fmt.Errorf("guard lookup: %w", err)
	}
	var prior record
	if err := json.Unmarshal(stored, &prior); err != nil {
		return Result{}, fmt.Errorf("guard decode: %w", err)
	}
	if prior.Fingerprint != fingerprint {
		return Result{}, ErrKeyConflict
	}
	if !prior.Done {
		return Result{}, ErrInProgress
	}
	return Result{New: false, Prior: prior.Result}, nil
}

func (g *RedisGuard) StoreResult(ctx context.Context, operation, key string, result []byte) error {
	stored, err := g.cache.Get(ctx, guardKey(operation, key)).Bytes()
	if err != nil {
		return fmt.Errorf("guard lookup: %w", err)
	}
	var current record
	if err := json.Unmarshal(stored, &current); err != nil {
		return fmt.Errorf("guard decode: %w", err)
	}
	current.Done = true
	current.Result = result
	payload, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return g.cache.Set(ctx, guardKey(operation, key), payload, g.ttl).Err()
}

func (g *RedisGuard) Release(ctx context.Context, operation, key string) error {
	return g.cache.Del(ctx, guardKey(operation, key)).Err()
}
