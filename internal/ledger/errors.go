package ledger

import "errors"

var (
	// ErrInsufficientFunds occurs when a mutation would drive a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict indicates the account changed since the caller read it.
	// It is retryable: re-read the balance, redecide, and retry the operation.
	ErrVersionConflict = errors.New("account version conflict")

	// ErrDuplicateIdempotencyKey indicates the entry's idempotency key already
	// exists in the log and therefore the operation was already applied.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrHoldNotActive indicates a release/capture targeted a hold that already
	// reached a terminal state.
	ErrHoldNotActive = errors.New("hold not active")

	ErrAccountNotFound = errors.New("account not found")
	ErrEntryNotFound   = errors.New("entry not found")
	ErrHoldNotFound    = errors.New("hold not found")

	// ErrValidation marks caller-fixable input problems; never retried.
	ErrValidation = errors.New("validation failed")
)
