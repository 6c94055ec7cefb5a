package ledger

import "context"

// Post appends the entry and applies its balance deltas to the account in
// one step, so a balance can only ever move together with a log line. The
// account is updated in place (including its version) so callers can post
// several entries against the same account inside one transaction.
func Post(ctx context.Context, tx Store, account *Account, entry Entry) error {
	if entry.AccountID != account.ID {
		return ErrAccountNotFound
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return err
	}
	availableDelta, heldDelta := entry.Deltas()
	newVersion, err := tx.ApplyDelta(ctx, account.ID, availableDelta, heldDelta, account.Version)
	if err != nil {
		return err
	}
	account.Available += availableDelta
	account.Held += heldDelta
	account.Version = newVersion
	return nil
}
