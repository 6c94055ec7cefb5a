package hold

import (
	"fmt"

	"github.com/soko-plus/soko_plus/internal/ledger"
)

// BookingOutcome is the terminal state of a booking supplied by the caller
// when a booking is finalized.
type BookingOutcome string

const (
	OutcomeCancelled BookingOutcome = "cancelled"
	OutcomeCompleted BookingOutcome = "completed"
	OutcomeNoShow    BookingOutcome = "no_show"
)

// RefundPolicy decides how a booking hold is split between the payer and the
// owner. RefundRatio is the payer's share of the held amount; the remainder
// is captured to the owner when TransferToOwner is set.
type RefundPolicy struct {
	RefundRatio     float64
	TransferToOwner bool
}

var bookingRefundPolicies = map[BookingOutcome]RefundPolicy{
	OutcomeCancelled: {RefundRatio: 1.0, TransferToOwner: false},
	OutcomeCompleted: {RefundRatio: 0.0, TransferToOwner: true},
	OutcomeNoShow:    {RefundRatio: 0.0, TransferToOwner: true},
}

// PolicyFor returns the refund policy for a booking outcome.
func PolicyFor(outcome BookingOutcome) (RefundPolicy, error) {
	policy, ok := bookingRefundPolicies[outcome]
	if !ok {
		return RefundPolicy{}, fmt.Errorf("%w: unknown booking outcome %q", ledger.ErrValidation, outcome)
	}
	return policy, nil
}
