package hold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soko-plus/soko_plus/internal/events"
	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
	"github.com/soko-plus/soko_plus/internal/retry"
)

const (
	opCreateHold  = "create_hold"
	opReleaseHold = "release_hold"
	opCaptureHold = "capture_hold"
	opResolveHold = "resolve_booking"
)

// Service implements the reserve/capture/release protocol over the ledger
// store. Every mutating call passes the idempotency guard first and runs its
// appends and balance deltas inside one store transaction.
type Service struct {
	store     ledger.Store
	guard     idempotency.Guard
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	policy    retry.Policy
}

// NewService wires a hold manager.
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

// CreateInput captures the data required to reserve funds.
type CreateInput struct {
	AccountID      string
	Amount         int64
	RelatedRef     string
	ExpiresAt      *time.Time
	IdempotencyKey string
}

// Result describes the hold and the account balances after an operation.
type Result struct {
	Hold      ledger.Hold `json:"hold"`
	Available int64       `json:"available"`
	Held      int64       `json:"held"`
}

// Create reserves funds against an account, moving the amount from available
// to held. Fails with ledger.ErrInsufficientFunds when available is short.
func (s *Service) Create(ctx context.Context, input CreateInput) (Result, error) {
	if input.Amount <= 0 {
		return Result{}, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	if input.AccountID == "" || input.IdempotencyKey == "" {
		return Result{}, fmt.Errorf("%w: account id and idempotency key are required", ledger.ErrValidation)
	}

	var expires string
	if input.ExpiresAt != nil {
		expires = input.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	fingerprint := idempotency.Fingerprint(opCreateHold, input.AccountID, input.RelatedRef, strconv.FormatInt(input.Amount, 10), expires)
	reservation, err := s.guard.CheckAndReserve(ctx, opCreateHold, input.IdempotencyKey, fingerprint)
	if err != nil {
		return Result{}, err
	}
	if !reservation.New {
		return decodeResult(reservation.Prior)
	}

	var result Result
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			account, err := tx.GetAccount(ctx, input.AccountID)
			if err != nil {
				return err
			}
			if account.Available < input.Amount {
				return ledger.ErrInsufficientFunds
			}
			hold := ledger.Hold{
				ID:         uuid.NewString(),
				AccountID:  input.AccountID,
				Amount:     input.Amount,
				State:      ledger.HoldActive,
				RelatedRef: input.RelatedRef,
				ExpiresAt:  input.ExpiresAt,
				CreatedAt:  s.now(),
			}
			if err := tx.CreateHold(ctx, hold); err != nil {
				return err
			}
			if err := s.post(ctx, tx, &account, ledger.EntryHoldCreate, input.Amount, input.IdempotencyKey, hold.RelatedRef); err != nil {
				return err
			}
			result = Result{Hold: hold, Available: account.Available, Held: account.Held}
			return nil
		})
	})
	if err != nil {
		s.release(ctx, opCreateHold, input.IdempotencyKey)
		return Result{}, err
	}

	if err := s.storeResult(ctx, opCreateHold, input.IdempotencyKey, result); err != nil {
		return Result{}, err
	}
	s.publish(ctx, events.KindHoldCreated, result.Hold)
	s.publishBalance(ctx, result)
	return result, nil
}

// Release cancels an active hold, moving its amount back from held to
// available. Fails with ledger.ErrHoldNotActive once the hold is terminal.
func (s *Service) Release(ctx context.Context, holdID, idempotencyKey string) (Result, error) {
	if holdID == "" || idempotencyKey == "" {
		return Result{}, fmt.Errorf("%w: hold id and idempotency key are required", ledger.ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(opReleaseHold, holdID)
	reservation, err := s.guard.CheckAndReserve(ctx, opReleaseHold, idempotencyKey, fingerprint)
	if err != nil {
		return Result{}, err
	}
	if !reservation.New {
		return decodeResult(reservation.Prior)
	}

	result, err := s.settle(ctx, holdID, ledger.HoldReleased, idempotencyKey)
	if err != nil {
		s.release(ctx, opReleaseHold, idempotencyKey)
		return Result{}, err
	}

	if err := s.storeResult(ctx, opReleaseHold, idempotencyKey, result); err != nil {
		return Result{}, err
	}
	s.publish(ctx, events.KindHoldReleased, result.Hold)
	s.publishBalance(ctx, result)
	return result, nil
}

// Expire behaves like Release but marks the hold expired. It is driven by
// the background sweep, not the request path, so it needs no caller key.
func (s *Service) Expire(ctx context.Context, holdID string) (Result, error) {
	result, err := s.settle(ctx, holdID, ledger.HoldExpired, "expire:"+holdID)
	if err != nil {
		return Result{}, err
	}
	s.publish(ctx, events.KindHoldExpired, result.Hold)
	s.publishBalance(ctx, result)
	return result, nil
}

// settle performs the shared release/expire transition: hold goes terminal,
// the held amount returns to available.
func (s *Service) settle(ctx context.Context, holdID string, to ledger.HoldState, entryKey string) (Result, error) {
	var result Result
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			hold, err := tx.GetHold(ctx, holdID)
			if err != nil {
				return err
			}
			if hold.State != ledger.HoldActive {
				return ledger.ErrHoldNotActive
			}
			if err := tx.UpdateHoldState(ctx, hold.ID, ledger.HoldActive, to); err != nil {
				return err
			}
			account, err := tx.GetAccount(ctx, hold.AccountID)
			if err != nil {
				return err
			}
			if err := s.post(ctx, tx, &account, ledger.EntryHoldRelease, hold.Amount, entryKey, hold.RelatedRef); err != nil {
				return err
			}
			hold.State = to
			result = Result{Hold: hold, Available: account.Available, Held: account.Held}
			return nil
		})
	})
	return result, err
}

// CaptureInput captures the data for converting a hold into a real debit.
// CounterpartyEntryType defaults to a plain credit; the withdrawal flow tags
// the payout-suspense side as a withdrawal so settlement reconciliation can
// total payouts straight from the log.
type CaptureInput struct {
	HoldID                string
	CaptureAmount         int64
	CounterpartyAccountID string
	CounterpartyEntryType ledger.EntryType
	IdempotencyKey        string
}

// CaptureResult describes the outcome of a capture, including the portion
// released back to the payer when the capture was partial.
type CaptureResult struct {
	Hold         ledger.Hold `json:"hold"`
	Captured     int64       `json:"captured"`
	Released     int64       `json:"released"`
	Counterparty string      `json:"counterparty_account_id"`
	Available    int64       `json:"available"`
	Held         int64       `json:"held"`
}

// Capture finalizes an active hold: the capture amount moves to the
// counterparty, the unused remainder returns to the payer's available
// balance, and the hold becomes captured. No value is created or destroyed.
func (s *Service) Capture(ctx context.Context, input CaptureInput) (CaptureResult, error) {
	if input.CaptureAmount <= 0 {
		return CaptureResult{}, fmt.Errorf("%w: capture amount must be positive", ledger.ErrValidation)
	}
	if input.HoldID == "" || input.CounterpartyAccountID == "" || input.IdempotencyKey == "" {
		return CaptureResult{}, fmt.Errorf("%w: hold id, counterparty and idempotency key are required", ledger.ErrValidation)
	}
	counterType := input.CounterpartyEntryType
	if counterType == "" {
		counterType = ledger.EntryCredit
	}
	if counterType != ledger.EntryCredit && counterType != ledger.EntryWithdrawal {
		return CaptureResult{}, fmt.Errorf("%w: unsupported counterparty entry type %q", ledger.ErrValidation, counterType)
	}

	fingerprint := idempotency.Fingerprint(opCaptureHold, input.HoldID, input.CounterpartyAccountID, string(counterType), strconv.FormatInt(input.CaptureAmount, 10))
	reservation, err := s.guard.CheckAndReserve(ctx, opCaptureHold, input.IdempotencyKey, fingerprint)
	if err != nil {
		return CaptureResult{}, err
	}
	if !reservation.New {
		var prior CaptureResult
		if err := json.Unmarshal(reservation.Prior, &prior); err != nil {
			return CaptureResult{}, err
		}
		return prior, nil
	}

	var result CaptureResult
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			hold, err := tx.GetHold(ctx, input.HoldID)
			if err != nil {
				return err
			}
			if hold.State != ledger.HoldActive {
				return ledger.ErrHoldNotActive
			}
			if input.CaptureAmount > hold.Amount {
				return fmt.Errorf("%w: capture amount %d exceeds hold amount %d", ledger.ErrValidation, input.CaptureAmount, hold.Amount)
			}
			if input.CounterpartyAccountID == hold.AccountID {
				return fmt.Errorf("%w: counterparty must differ from the holding account", ledger.ErrValidation)
			}
			if err := tx.UpdateHoldState(ctx, hold.ID, ledger.HoldActive, ledger.HoldCaptured); err != nil {
				return err
			}

			holder, err := tx.GetAccount(ctx, hold.AccountID)
			if err != nil {
				return err
			}
			counterparty, err := tx.GetAccount(ctx, input.CounterpartyAccountID)
			if err != nil {
				return err
			}

			remainder := hold.Amount - input.CaptureAmount
			postHolder := func() error {
				if err := s.post(ctx, tx, &holder, ledger.EntryHoldCapture, input.CaptureAmount, input.IdempotencyKey+":capture", hold.RelatedRef); err != nil {
					return err
				}
				if remainder > 0 {
					return s.post(ctx, tx, &holder, ledger.EntryHoldRelease, remainder, input.IdempotencyKey+":remainder", hold.RelatedRef)
				}
				return nil
			}
			postCounterparty := func() error {
				return s.post(ctx, tx, &counterparty, counterType, input.CaptureAmount, input.IdempotencyKey+":credit", hold.RelatedRef)
			}

			// Accounts are always touched in ascending id order so two
			// concurrent captures cannot deadlock on row locks.
			if holder.ID < counterparty.ID {
				err = firstThen(postHolder, postCounterparty)
			} else {
				err = firstThen(postCounterparty, postHolder)
			}
			if err != nil {
				return err
			}

			hold.State = ledger.HoldCaptured
			result = CaptureResult{
				Hold:         hold,
				Captured:     input.CaptureAmount,
				Released:     remainder,
				Counterparty: counterparty.ID,
				Available:    holder.Available,
				Held:         holder.Held,
			}
			return nil
		})
	})
	if err != nil {
		s.release(ctx, opCaptureHold, input.IdempotencyKey)
		return CaptureResult{}, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return CaptureResult{}, err
	}
	if err := s.guard.StoreResult(ctx, opCaptureHold, input.IdempotencyKey, payload); err != nil {
		return CaptureResult{}, err
	}
	s.publish(ctx, events.KindHoldCaptured, result.Hold)
	s.publishBalance(ctx, Result{Hold: result.Hold, Available: result.Available, Held: result.Held})
	return result, nil
}

// ResolveInput finalizes the hold tied to a booking according to the refund
// policy for its outcome.
type ResolveInput struct {
	BookingRef     string
	Outcome        BookingOutcome
	OwnerAccountID string
	IdempotencyKey string
}

// ResolveBooking looks up the booking's hold and applies the refund policy:
// the payer's share is released, the owner's share is captured.
func (s *Service) ResolveBooking(ctx context.Context, input ResolveInput) (CaptureResult, error) {
	if input.BookingRef == "" || input.IdempotencyKey == "" {
		return CaptureResult{}, fmt.Errorf("%w: booking ref and idempotency key are required", ledger.ErrValidation)
	}
	policy, err := PolicyFor(input.Outcome)
	if err != nil {
		return CaptureResult{}, err
	}

	hold, err := s.store.GetHoldByRef(ctx, input.BookingRef)
	if err != nil {
		return CaptureResult{}, err
	}

	releaseAmount := int64(math.Round(float64(hold.Amount) * policy.RefundRatio))
	captureAmount := hold.Amount - releaseAmount

	if captureAmount == 0 {
		result, err := s.Release(ctx, hold.ID, input.IdempotencyKey)
		if err != nil {
			return CaptureResult{}, err
		}
		return CaptureResult{Hold: result.Hold, Released: hold.Amount, Available: result.Available, Held: result.Held}, nil
	}

	if !policy.TransferToOwner || input.OwnerAccountID == "" {
		return CaptureResult{}, fmt.Errorf("%w: outcome %q requires an owner account", ledger.ErrValidation, input.Outcome)
	}
	return s.Capture(ctx, CaptureInput{
		HoldID:                hold.ID,
		CaptureAmount:         captureAmount,
		CounterpartyAccountID: input.OwnerAccountID,
		IdempotencyKey:        input.IdempotencyKey,
	})
}

func (s *Service) post(ctx context.Context, tx ledger.Store, account *ledger.Account, entryType ledger.EntryType, amount int64, key, relatedRef string) error {
	now := s.now()
	return ledger.Post(ctx, tx, account, ledger.Entry{
		ID:             uuid.NewString(),
		AccountID:      account.ID,
		Type:           entryType,
		Amount:         amount,
		Status:         ledger.StatusCommitted,
		IdempotencyKey: string(entryType) + ":" + key,
		RelatedRef:     relatedRef,
		CreatedAt:      now,
		CommittedAt:    now,
	})
}

func (s *Service) storeResult(ctx context.Context, operation, key string, result Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.guard.StoreResult(ctx, operation, key, payload)
}

func (s *Service) release(ctx context.Context, operation, key string) {
	if err := s.guard.Release(ctx, operation, key); err != nil && s.logger != nil {
		s.logger.Warn("release idempotency reservation", "operation", operation, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, kind string, hold ledger.Hold) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{
		Kind:       kind,
		AccountID:  hold.AccountID,
		Amount:     hold.Amount,
		RelatedRef: hold.RelatedRef,
		OccurredAt: s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("publish event", "kind", kind, "error", err)
	}
}

func (s *Service) publishBalance(ctx context.Context, result Result) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.Event{
		Kind:       events.KindBalanceChanged,
		AccountID:  result.Hold.AccountID,
		OccurredAt: s.now(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("publish event", "kind", events.KindBalanceChanged, "error", err)
	}
}

func decodeResult(prior []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(prior, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func firstThen(first, second func() error) error {
	if err := first(); err != nil {
		return err
	}
	return second()
}
