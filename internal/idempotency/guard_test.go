package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func guards(t *testing.T) map[string]Guard {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	return map[string]Guard{
		"memory": NewMemoryGuard(),
		"redis":  NewRedisGuard(cache, time.Minute),
	}
}

func TestGuardReplayReturnsPriorResult(t *testing.T) {
	for name, guard := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fp := Fingerprint("hold", "acct-1", "200")

			first, err := guard.CheckAndReserve(ctx, "create_hold", "key-1", fp)
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if !first.New {
				t.Fatal("expected fresh reservation")
			}

			if err := guard.StoreResult(ctx, "create_hold", "key-1", []byte(`{"hold_id":"h1"}`)); err != nil {
				t.Fatalf("store result: %v", err)
			}

			replay, err := guard.CheckAndReserve(ctx, "create_hold", "key-1", fp)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if replay.New {
				t.Fatal("expected replay to be deduplicated")
			}
			if string(replay.Prior) != `{"hold_id":"h1"}` {
				t.Fatalf("unexpected prior result: %s", replay.Prior)
			}
		})
	}
}

func TestGuardFingerprintMismatchConflicts(t *testing.T) {
	for name, guard := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := guard.CheckAndReserve(ctx, "transfer", "key-1", Fingerprint("a", "b", "100")); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			_, err := guard.CheckAndReserve(ctx, "transfer", "key-1", Fingerprint("a", "b", "999"))
			if !errors.Is(err, ErrKeyConflict) {
				t.Fatalf("expected key conflict, got %v", err)
			}
		})
	}
}

func TestGuardInProgressBlocksConcurrentReplay(t *testing.T) {
	for name, guard := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fp := Fingerprint("topup", "ref-1")
			if _, err := guard.CheckAndReserve(ctx, "verify_topup", "key-1", fp); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if _, err := guard.CheckAndReserve(ctx, "verify_topup", "key-1", fp); !errors.Is(err, ErrInProgress) {
				t.Fatalf("expected in progress, got %v", err)
			}
		})
	}
}

func TestGuardReleaseAllowsRetryAfterFailure(t *testing.T) {
	for name, guard := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			fp := Fingerprint("withdraw", "acct-1", "500")
			if _, err := guard.CheckAndReserve(ctx, "withdraw", "key-1", fp); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if err := guard.Release(ctx, "withdraw", "key-1"); err != nil {
				t.Fatalf("release: %v", err)
			}
			res, err := guard.CheckAndReserve(ctx, "withdraw", "key-1", fp)
			if err != nil {
				t.Fatalf("re-reserve: %v", err)
			}
			if !res.New {
				t.Fatal("expected a fresh reservation after release")
			}
		})
	}
}

func TestGuardKeysScopedByOperation(t *testing.T) {
	guard := NewMemoryGuard()
	ctx := context.Background()

	if _, err := guard.CheckAndReserve(ctx, "create_hold", "shared", Fingerprint("x")); err != nil {
		t.Fatalf("reserve hold: %v", err)
	}
	res, err := guard.CheckAndReserve(ctx, "transfer", "shared", Fingerprint("y"))
	if err != nil {
		t.Fatalf("reserve transfer: %v", err)
	}
	if !res.New {
		t.Fatal("expected operations to scope keys independently")
	}
}
