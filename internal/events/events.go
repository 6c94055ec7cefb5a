package events

import (
	"context"
	"log/slog"
	"time"
)

// Event kinds emitted by the money-movement core. Delivery is the sink's
// responsibility; the core only publishes.
const (
	KindBalanceChanged            = "balance.changed"
	KindHoldCreated               = "hold.created"
	KindHoldReleased              = "hold.released"
	KindHoldCaptured              = "hold.captured"
	KindHoldExpired               = "hold.expired"
	KindTransferCompleted         = "transfer.completed"
	KindTopupVerified             = "topup.verified"
	KindWithdrawalRequested       = "withdrawal.requested"
	KindWithdrawalCompleted       = "withdrawal.completed"
	KindWithdrawalCancelled       = "withdrawal.cancelled"
	KindReconciliationIssueRaised = "reconciliation.issue.raised"
)

// Event describes one ledger-affecting fact for downstream consumers.
type Event struct {
	Kind       string    `json:"kind"`
	AccountID  string    `json:"account_id,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	RelatedRef string    `json:"related_ref,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher is a fallback implementation that writes events to the
// structured logger, used when no broker is configured.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("event published",
		"kind", event.Kind,
		"account_id", event.AccountID,
		"owner_id", event.OwnerID,
		"amount", event.Amount,
		"related_ref", event.RelatedRef,
	)
	return nil
}
