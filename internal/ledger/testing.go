package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SeedAvailable is a test helper that funds an account through a regular
// committed credit entry, so seeded balances still satisfy the invariant
// that balances equal the sum of the log.
func SeedAvailable(ctx context.Context, store Store, accountID string, amount int64) error {
	return store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		return Post(ctx, tx, &account, Entry{
			ID:             uuid.NewString(),
			AccountID:      accountID,
			Type:           EntryCredit,
			Amount:         amount,
			Status:         StatusCommitted,
			IdempotencyKey: "seed:" + uuid.NewString(),
			CreatedAt:      now,
			CommittedAt:    now,
		})
	})
}
