package ledger

import "time"

// OwnerType identifies which side of the platform an account belongs to.
type OwnerType string

const (
	OwnerUser     OwnerType = "user"
	OwnerDriver   OwnerType = "driver"
	OwnerVendor   OwnerType = "vendor"
	OwnerMarketer OwnerType = "marketer"
	// OwnerPlatform marks internal suspense and fee accounts.
	OwnerPlatform OwnerType = "platform"
)

const (
	// GatewaySuspenseOwner parks topup funds until gateway settlement is reconciled.
	GatewaySuspenseOwner = "suspense:gateway"
	// PayoutSuspenseOwner parks withdrawal funds awaiting external payout.
	PayoutSuspenseOwner = "suspense:payout"
	// FeesOwner collects platform fees charged on transfers.
	FeesOwner = "platform:fees"

	// DefaultCurrency is the single unit of account, in integer minor units.
	DefaultCurrency = "KES"
)

// Account holds the balance state for one (ownerID, ownerType) pair.
// Version is a monotonic counter used for optimistic concurrency: every
// mutation must present the version it read.
type Account struct {
	ID        string
	OwnerID   string
	OwnerType OwnerType
	Currency  string
	Available int64
	Held      int64
	Version   int64
	CreatedAt time.Time
}

// Total is the account's full balance including reserved funds.
func (a Account) Total() int64 {
	return a.Available + a.Held
}

// EntryType enumerates ledger entry kinds. Amounts are always positive;
// the type determines the direction of the balance movement.
type EntryType string

const (
	EntryCredit      EntryType = "credit"
	EntryDebit       EntryType = "debit"
	EntryHoldCreate  EntryType = "hold_create"
	EntryHoldRelease EntryType = "hold_release"
	EntryHoldCapture EntryType = "hold_capture"
	EntryRefund      EntryType = "refund"
	EntryTransferOut EntryType = "transfer_out"
	EntryTransferIn  EntryType = "transfer_in"
	EntryTopup       EntryType = "topup"
	EntryWithdrawal  EntryType = "withdrawal"
	EntryFee         EntryType = "fee"
)

// EntryStatus tracks the commit state of an entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCommitted EntryStatus = "committed"
	StatusFailed    EntryStatus = "failed"
	StatusReversed  EntryStatus = "reversed"
)

// Entry is one immutable line in the transaction log. Committed entries are
// never edited or deleted; corrections append a compensating entry.
type Entry struct {
	ID             string
	AccountID      string
	Type           EntryType
	Amount         int64
	Status         EntryStatus
	IdempotencyKey string
	RelatedRef     string
	CreatedAt      time.Time
	CommittedAt    time.Time
}

// Deltas returns the (available, held) balance movement this entry applies
// to its account. An entry affects exactly one account; two-sided operations
// append one entry per side.
func (e Entry) Deltas() (available int64, held int64) {
	switch e.Type {
	case EntryCredit, EntryRefund, EntryTransferIn, EntryTopup, EntryWithdrawal, EntryFee:
		return e.Amount, 0
	case EntryDebit, EntryTransferOut:
		return -e.Amount, 0
	case EntryHoldCreate:
		return -e.Amount, e.Amount
	case EntryHoldRelease:
		return e.Amount, -e.Amount
	case EntryHoldCapture:
		return 0, -e.Amount
	default:
		return 0, 0
	}
}

// TotalDelta is the entry's net effect on the account's total balance.
func (e Entry) TotalDelta() int64 {
	available, held := e.Deltas()
	return available + held
}

// HoldState tracks the hold lifecycle. A hold leaves active exactly once.
type HoldState string

const (
	HoldActive   HoldState = "active"
	HoldCaptured HoldState = "captured"
	HoldReleased HoldState = "released"
	HoldExpired  HoldState = "expired"
)

// Terminal reports whether the state admits no further transition.
func (s HoldState) Terminal() bool {
	return s == HoldCaptured || s == HoldReleased || s == HoldExpired
}

// Hold reserves funds against an account for one order/booking/withdrawal.
type Hold struct {
	ID         string
	AccountID  string
	Amount     int64
	State      HoldState
	RelatedRef string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Expired reports whether the hold has an expiry in the past.
func (h Hold) Expired(asOf time.Time) bool {
	return h.ExpiresAt != nil && h.ExpiresAt.Before(asOf)
}
