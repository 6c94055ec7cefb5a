package idempotency

import (
	"context"
	"sync"
)

// MemoryGuard is an in-process guard for tests and local development.
type MemoryGuard struct {
	mu      sync.Mutex
	records map[string]record
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{records: make(map[string]record)}
}

func (g *MemoryGuard) CheckAndReserve(_ context.Context, operation, key, fingerprint string) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored, exists := g.records[guardKey(operation, key)]
	if !exists {
		g.records[guardKey(operation, key)] = record{Fingerprint: fingerprint}
		return Result{New: true}, nil
	}
	if stored.Fingerprint != fingerprint {
		return Result{}, ErrKeyConflict
	}
	if !stored.Done {
		return Result{}, ErrInProgress
	}
	return Result{New: false, Prior: stored.Result}, nil
}

func (g *MemoryGuard) StoreResult(_ context.Context, operation, key string, result []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stored := g.records[guardKey(operation, key)]
	stored.Done = true
	stored.Result = result
	g.records[guardKey(operation, key)] = stored
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, operation, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.records, guardKey(operation, key))
	return nil
}
