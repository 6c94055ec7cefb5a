package ledger

import (
	"context"
	"time"
)

// Store is the persistence contract for the ledger (accounts, transaction
// log, holds). Every mutating operation composes its appends and balance
// deltas inside one WithTx boundary so they commit together or not at all.
type Store interface {
	// WithTx runs fn against a transactional view of the store. If fn returns
	// an error the transaction rolls back and nothing is observable.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// GetOrCreateAccount lazily provisions the account for an owner on first use.
	GetOrCreateAccount(ctx context.Context, ownerID string, ownerType OwnerType) (Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// ApplyDelta mutates balances using compare-and-swap on the version the
	// caller read. Fails with ErrVersionConflict on a stale version and
	// ErrInsufficientFunds if available would go negative.
	ApplyDelta(ctx context.Context, accountID string, availableDelta, heldDelta, expectedVersion int64) (newVersion int64, err error)

	// AppendEntry appends to the transaction log. The idempotency key is
	// unique across the log; a replay fails with ErrDuplicateIdempotencyKey.
	AppendEntry(ctx context.Context, entry Entry) error
	GetEntryByKey(ctx context.Context, idempotencyKey string) (Entry, error)
	ListEntries(ctx context.Context, accountID string, before time.Time, limit int) ([]Entry, error)

	// SumByTypeAndWindow totals committed entries of the given types inside
	// [start, end). Empty accountID sums across all accounts.
	SumByTypeAndWindow(ctx context.Context, accountID string, types []EntryType, start, end time.Time) (int64, error)
	CountEntriesByRef(ctx context.Context, relatedRef string) (int, error)

	CreateHold(ctx context.Context, hold Hold) error
	GetHold(ctx context.Context, holdID string) (Hold, error)
	GetHoldByRef(ctx context.Context, relatedRef string) (Hold, error)

	// UpdateHoldState transitions a hold with compare-and-swap semantics.
	// Fails with ErrHoldNotActive if the hold is not in the expected state.
	UpdateHoldState(ctx context.Context, holdID string, from, to HoldState) error
	ListExpiredHolds(ctx context.Context, asOf time.Time, limit int) ([]Hold, error)
}
