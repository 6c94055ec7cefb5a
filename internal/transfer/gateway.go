package transfer

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrGatewayUnavailable signals a transient gateway outage. Callers retry the
// initiation with backoff before surfacing the failure.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// PayoutGateway represents a connector to the external money-out provider.
type PayoutGateway interface {
	InitiatePayout(ctx context.Context, input PayoutRequest) (PayoutDecision, error)
}

// PayoutRequest encapsulates details needed to push funds out of the platform.
type PayoutRequest struct {
	WithdrawalID string
	Destination  string
	Amount       int64
	Currency     string
}

// PayoutDecision captures the gateway response for an initiated payout.
type PayoutDecision struct {
	Reference string
	Status    string
}

// StaticGateway simulates a gateway that accepts every payout.
type StaticGateway struct{}

// InitiatePayout accepts the payout request with a synthetic reference.
func (StaticGateway) InitiatePayout(_ context.Context, _ PayoutRequest) (PayoutDecision, error) {
	return PayoutDecision{Reference: uuid.NewString(), Status: "accepted"}, nil
}
