package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soko-plus/soko_plus/internal/events"
	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
	"github.com/soko-plus/soko_plus/internal/retry"
)

const opAdjustment = "create_transaction"

// Service exposes read operations over accounts and the manual adjustment
// path used by back-office tooling. All other mutations go through the hold
// manager and the transfer orchestrator.
type Service struct {
	store     ledger.Store
	guard     idempotency.Guard
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	policy    retry.Policy
}

// NewService builds an account service instance.
func NewService(store ledger.Store, guard idempotency.Guard, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		guard:     guard,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		policy: retry.Policy{
			Retryable: func(err error) bool { return errors.Is(err, ledger.ErrVersionConflict) },
		},
	}
}

// Balance is the externally visible balance view for an owner.
type Balance struct {
	AccountID string    `json:"account_id"`
	OwnerID   string    `json:"owner_id"`
	OwnerType string    `json:"owner_type"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	AsOf      time.Time `json:"as_of"`
}

// GetBalance resolves (lazily creating) the owner's account and returns its
// balances.
func (s *Service) GetBalance(ctx context.Context, ownerID string, ownerType ledger.OwnerType) (Balance, error) {
	account, err := s.store.GetOrCreateAccount(ctx, ownerID, ownerType)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		AccountID: account.ID,
		OwnerID:   account.OwnerID,
		OwnerType: string(account.OwnerType),
		Available: account.Available,
		Held:      account.Held,
		AsOf:      s.now(),
	}, nil
}

// ListTransactions pages through the owner's transaction log, newest first.
// The cursor is the CreatedAt of the last entry of the previous page.
func (s *Service) ListTransactions(ctx context.Context, ownerID string, ownerType ledger.OwnerType, before time.Time, limit int) ([]ledger.Entry, error) {
	account, err := s.store.GetOrCreateAccount(ctx, ownerID, ownerType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEntries(ctx, account.ID, before, limit)
}

// AdjustmentInput is a manual credit or debit against an account.
type AdjustmentInput struct {
	AccountID      string
	Type           ledger.EntryType
	Amount         int64
	RelatedRef     string
	IdempotencyKey string
}

// CreateTransaction applies a manual adjustment. Only plain credits and
// debits are allowed here; typed flows own every other entry kind.
func (s *Service) CreateTransaction(ctx context.Context, input AdjustmentInput) (ledger.Entry, error) {
	if input.Type != ledger.EntryCredit && input.Type != ledger.EntryDebit {
		return ledger.Entry{}, fmt.Errorf("%w: adjustment type must be credit or debit", ledger.ErrValidation)
	}
	if input.Amount <= 0 {
		return ledger.Entry{}, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	if input.AccountID == "" || input.IdempotencyKey == "" {
		return ledger.Entry{}, fmt.Errorf("%w: account id and idempotency key are required", ledger.ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(opAdjustment, input.AccountID, string(input.Type), strconv.FormatInt(input.Amount, 10))
	reservation, err := s.guard.CheckAndReserve(ctx, opAdjustment, input.IdempotencyKey, fingerprint)
	if err != nil {
		return ledger.Entry{}, err
	}
	if !reservation.New {
		var prior ledger.Entry
		if err := json.Unmarshal(reservation.Prior, &prior); err != nil {
			return ledger.Entry{}, err
		}
		return prior, nil
	}

	var entry ledger.Entry
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			account, err := tx.GetAccount(ctx, input.AccountID)
			if err != nil {
				return err
			}
			now := s.now()
			entry = ledger.Entry{
				ID:             uuid.NewString(),
				AccountID:      account.ID,
				Type:           input.Type,
				Amount:         input.Amount,
				Status:         ledger.StatusCommitted,
				IdempotencyKey: opAdjustment + ":" + input.IdempotencyKey,
				RelatedRef:     input.RelatedRef,
				CreatedAt:      now,
				CommittedAt:    now,
			}
			return ledger.Post(ctx, tx, &account, entry)
		})
	})
	if err != nil {
		if releaseErr := s.guard.Release(ctx, opAdjustment, input.IdempotencyKey); releaseErr != nil && s.logger != nil {
			s.logger.Warn("release idempotency reservation", "operation", opAdjustment, "error", releaseErr)
		}
		return ledger.Entry{}, err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return ledger.Entry{}, err
	}
	if err := s.guard.StoreResult(ctx, opAdjustment, input.IdempotencyKey, payload); err != nil {
		return ledger.Entry{}, err
	}

	if s.publisher != nil {
		err := s.publisher.Publish(ctx, events.Event{
			Kind:       events.KindBalanceChanged,
			AccountID:  entry.AccountID,
			Amount:     entry.Amount,
			RelatedRef: entry.RelatedRef,
			OccurredAt: s.now(),
		})
		if err != nil && s.logger != nil {
			s.logger.Warn("publish event", "kind", events.KindBalanceChanged, "error", err)
		}
	}
	return entry, nil
}

// EnsurePlatformAccounts provisions the internal suspense and fee accounts
// so typed flows always have their counterparties.
func EnsurePlatformAccounts(ctx context.Context, store ledger.Store) error {
	for _, owner := range []string{ledger.GatewaySuspenseOwner, ledger.PayoutSuspenseOwner, ledger.FeesOwner} {
		if _, err := store.GetOrCreateAccount(ctx, owner, ledger.OwnerPlatform); err != nil {
			return fmt.Errorf("ensure platform account %s: %w", owner, err)
		}
	}
	return nil
}
