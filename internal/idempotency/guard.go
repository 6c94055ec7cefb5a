package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrKeyConflict indicates an idempotency key was reused with a different
	// request body. The caller must pick a fresh key.
	ErrKeyConflict = errors.New("idempotency key reused with different request")

	// ErrInProgress indicates another request with the same key is still
	// executing.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
)

// Result is the outcome of a reservation check. When New is false, Prior
// holds the stored result of the earlier identical request and the caller
// must return it without re-executing side effects.
type Result struct {
	New   bool
	Prior []byte
}

// Guard deduplicates retried mutating operations. Keys are scoped to an
// operation name, so the same client key may be used across different
// operation types without clashing.
type Guard interface {
	// CheckAndReserve claims the key for this request, or returns the prior
	// result if the same request already completed. A key reuse with a
	// different fingerprint fails with ErrKeyConflict.
	CheckAndReserve(ctx context.Context, operation, key, fingerprint string) (Result, error)

	// StoreResult records the operation outcome for replays.
	StoreResult(ctx context.Context, operation, key string, result []byte) error

	// Release frees a reservation after a failed operation so the caller can
	// retry with the same key.
	Release(ctx context.Context, operation, key string) error
}

// Fingerprint derives a stable digest of the request parameters so replays
// with a mutated body are detected.
func Fingerprint(parts ...string) string {
	hash := sha256.New()
	for _, part := range parts {
		hash.Write([]byte(part))
		hash.Write([]byte{0})
	}
	return hex.EncodeToString(hash.Sum(nil))
}
