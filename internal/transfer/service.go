package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soko-plus/soko_plus/internal/events"
	"github.com/soko-plus/soko_plus/internal/hold"
	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
	"github.com/soko-plus/soko_plus/internal/retry"
)

const (
	opTransferFunds     = "transfer_funds"
	opVerifyTopup       = "verify_topup"
	opRefund            = "refund"
	opRequestWithdrawal = "request_withdrawal"
)

// feeBpsDivisor converts basis points into a fraction of the amount.
const feeBpsDivisor = 10_000

// Config tunes the orchestrator.
type Config struct {
	// TransferFeeBps is charged to the sender on wallet-to-wallet transfers,
	// expressed in basis points. Zero disables the fee.
	TransferFeeBps int64
}

// Service orchestrates the money movements that span more than one account:
// wallet-to-wallet transfers, gateway top-ups, refunds and payouts.
type Service struct {
	store       ledger.Store
	guard       idempotency.Guard
	holds       *hold.Service
	withdrawals Repository
	gateway     PayoutGateway
	publisher   events.Publisher
	logger      *slog.Logger
	cfg         Config
	now         func() time.Time
	policy      retry.Policy
	gatewayTry  retry.Policy
}

// NewService wires the money-movement orchestrator.
func NewService(
	store ledger.Store,
	guard idempotency.Guard,
	holds *hold.Service,
	withdrawals Repository,
	gateway PayoutGateway,
	publisher events.Publisher,
	logger *slog.Logger,
	cfg Config,
) *Service {
	return &Service{
		store:       store,
		guard:       guard,
		holds:       holds,
		withdrawals: withdrawals,
		gateway:     gateway,
		publisher:   publisher,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		policy: retry.Policy{
			Retryable: func(err error) bool { return errors.Is(err, ledger.ErrVersionConflict) },
		},
		gatewayTry: retry.Policy{
			Retryable: func(err error) bool { return errors.Is(err, ErrGatewayUnavailable) },
		},
	}
}

// Fee returns the sender fee for a transfer of the given amount.
func (s *Service) Fee(amount int64) int64 {
	if s.cfg.TransferFeeBps <= 0 {
		return 0
	}
	return amount * s.cfg.TransferFeeBps / feeBpsDivisor
}

// TransferInput captures a wallet-to-wallet movement.
type TransferInput struct {
	FromAccountID  string
	ToAccountID    string
	Amount         int64
	RelatedRef     string
	IdempotencyKey string
}

// TransferResult reports both balances after a completed transfer.
type TransferResult struct {
	FromAccountID string    `json:"from_account_id"`
	ToAccountID   string    `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	Fee           int64     `json:"fee"`
	FromAvailable int64     `json:"from_available"`
	ToAvailable   int64     `json:"to_available"`
	CompletedAt   time.Time `json:"completed_at"`
}

// TransferFunds moves amount from one account to another atomically: the
// debit, the credit and any sender fee commit in one transaction or not at
// all. Replays with the same idempotency key return the original result.
func (s *Service) TransferFunds(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	if input.FromAccountID == "" || input.ToAccountID == "" || input.IdempotencyKey == "" {
		return TransferResult{}, fmt.Errorf("%w: source, destination and idempotency key are required", ledger.ErrValidation)
	}
	if input.FromAccountID == input.ToAccountID {
		return TransferResult{}, fmt.Errorf("%w: cannot transfer to the same account", ledger.ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(opTransferFunds, input.FromAccountID, input.ToAccountID, input.RelatedRef, strconv.FormatInt(input.Amount, 10))
	reservation, err := s.guard.CheckAndReserve(ctx, opTransferFunds, input.IdempotencyKey, fingerprint)
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) {
			if prior, ok := s.recoverTransfer(ctx, input); ok {
				return prior, nil
			}
		}
		return TransferResult{}, err
	}
	if !reservation.New {
		var prior TransferResult
		if err := json.Unmarshal(reservation.Prior, &prior); err != nil {
			return TransferResult{}, err
		}
		return prior, nil
	}

	fee := s.Fee(input.Amount)
	var result TransferResult
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			from, err := tx.GetAccount(ctx, input.FromAccountID)
			if err != nil {
				return err
			}
			to, err := tx.GetAccount(ctx, input.ToAccountID)
			if err != nil {
				return err
			}
			if from.Available < input.Amount+fee {
				return ledger.ErrInsufficientFunds
			}

			steps := []posting{
				{account: &from, entryType: ledger.EntryTransferOut, amount: input.Amount, key: input.IdempotencyKey + ":out"},
				{account: &to, entryType: ledger.EntryTransferIn, amount: input.Amount, key: input.IdempotencyKey + ":in"},
			}
			if fee > 0 {
				fees, err := tx.GetOrCreateAccount(ctx, ledger.FeesOwner, ledger.OwnerPlatform)
				if err != nil {
					return err
				}
				steps = append(steps,
					posting{account: &from, entryType: ledger.EntryDebit, amount: fee, key: input.IdempotencyKey + ":fee-debit"},
					posting{account: &fees, entryType: ledger.EntryFee, amount: fee, key: input.IdempotencyKey + ":fee"},
				)
			}
			if err := s.apply(ctx, tx, input.RelatedRef, steps); err != nil {
				return err
			}

			result = TransferResult{
				FromAccountID: from.ID,
				ToAccountID:   to.ID,
				Amount:        input.Amount,
				Fee:           fee,
				FromAvailable: from.Available,
				ToAvailable:   to.Available,
				CompletedAt:   s.now(),
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			// The guard record expired but the entries from an earlier attempt
			// are still in the log; that attempt committed.
			if prior, ok := s.recoverTransfer(ctx, input); ok {
				return prior, nil
			}
		}
		s.release(ctx, opTransferFunds, input.IdempotencyKey)
		return TransferResult{}, err
	}

	if err := s.storeResult(ctx, opTransferFunds, input.IdempotencyKey, result); err != nil {
		return TransferResult{}, err
	}
	s.publish(ctx, events.Event{
		Kind:       events.KindTransferCompleted,
		AccountID:  result.FromAccountID,
		Amount:     input.Amount,
		RelatedRef: input.RelatedRef,
	})
	s.publish(ctx, events.Event{Kind: events.KindBalanceChanged, AccountID: result.FromAccountID, Amount: result.FromAvailable})
	s.publish(ctx, events.Event{Kind: events.KindBalanceChanged, AccountID: result.ToAccountID, Amount: result.ToAvailable})
	return result, nil
}

// recoverTransfer rebuilds a transfer outcome from the committed entries when
// the guard record was claimed but the result write never landed, e.g. a crash
// between the commit and StoreResult. The entry keys derive from the caller
// key, so the log is the source of truth for whether the attempt committed.
func (s *Service) recoverTransfer(ctx context.Context, input TransferInput) (TransferResult, bool) {
	entry, err := s.store.GetEntryByKey(ctx, string(ledger.EntryTransferOut)+":"+input.IdempotencyKey+":out")
	if err != nil || entry.AccountID != input.FromAccountID {
		return TransferResult{}, false
	}
	from, err := s.store.GetAccount(ctx, input.FromAccountID)
	if err != nil {
		return TransferResult{}, false
	}
	to, err := s.store.GetAccount(ctx, input.ToAccountID)
	if err != nil {
		return TransferResult{}, false
	}
	result := TransferResult{
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        entry.Amount,
		Fee:           s.Fee(entry.Amount),
		FromAvailable: from.Available,
		ToAvailable:   to.Available,
		CompletedAt:   entry.CommittedAt,
	}
	if err := s.storeResult(ctx, opTransferFunds, input.IdempotencyKey, result); err != nil {
		s.logger.Warn("failed to store recovered transfer result", "key", input.IdempotencyKey, "error", err)
	}
	return result, true
}

// TopupInput captures a verified gateway deposit notification.
type TopupInput struct {
	AccountID      string
	Amount         int64
	ExternalRef    string
	IdempotencyKey string
}

// TopupResult reports the credited entry. AlreadyApplied is true when the
// external reference had been credited before this call.
type TopupResult struct {
	EntryID        string `json:"entry_id"`
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	ExternalRef    string `json:"external_ref"`
	Available      int64  `json:"available"`
	AlreadyApplied bool   `json:"already_applied"`
}

// VerifyTopup credits a gateway deposit to the account. The entry key is
// derived from the external reference, so repeated notifications for the same
// deposit never double-credit even when they carry fresh idempotency keys.
func (s *Service) VerifyTopup(ctx context.Context, input TopupInput) (TopupResult, error) {
	if input.Amount <= 0 {
		return TopupResult{}, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	if input.AccountID == "" || input.ExternalRef == "" || input.IdempotencyKey == "" {
		return TopupResult{}, fmt.Errorf("%w: account, external ref and idempotency key are required", ledger.ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(opVerifyTopup, input.AccountID, input.ExternalRef, strconv.FormatInt(input.Amount, 10))
	reservation, err := s.guard.CheckAndReserve(ctx, opVerifyTopup, input.IdempotencyKey, fingerprint)
	if err != nil {
		return TopupResult{}, err
	}
	if !reservation.New {
		var prior TopupResult
		if err := json.Unmarshal(reservation.Prior, &prior); err != nil {
			return TopupResult{}, err
		}
		return prior, nil
	}

	entryKey := string(ledger.EntryTopup) + ":" + input.ExternalRef
	// Two notifications racing under different caller keys can both miss the
	// existing-entry check; the loser hits the unique entry key and retries
	// into the replay path.
	policy := s.policy
	policy.Retryable = func(err error) bool {
		return errors.Is(err, ledger.ErrVersionConflict) || errors.Is(err, ledger.ErrDuplicateIdempotencyKey)
	}
	var result TopupResult
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			if existing, err := tx.GetEntryByKey(ctx, entryKey); err == nil {
				account, err := tx.GetAccount(ctx, existing.AccountID)
				if err != nil {
					return err
				}
				result = TopupResult{
					EntryID:        existing.ID,
					AccountID:      existing.AccountID,
					Amount:         existing.Amount,
					ExternalRef:    input.ExternalRef,
					Available:      account.Available,
					AlreadyApplied: true,
				}
				return nil
			} else if !errors.Is(err, ledger.ErrEntryNotFound) {
				return err
			}

			account, err := tx.GetAccount(ctx, input.AccountID)
			if err != nil {
				return err
			}
			entryID := uuid.NewString()
			if err := s.post(ctx, tx, &account, ledger.EntryTopup, input.Amount, input.ExternalRef, input.ExternalRef, entryID); err != nil {
				return err
			}
			result = TopupResult{
				EntryID:     entryID,
				AccountID:   account.ID,
				Amount:      input.Amount,
				ExternalRef: input.ExternalRef,
				Available:   account.Available,
			}
			return nil
		})
	})
	if err != nil {
		s.release(ctx, opVerifyTopup, input.IdempotencyKey)
		return TopupResult{}, err
	}

	if err := s.storeResult(ctx, opVerifyTopup, input.IdempotencyKey, result); err != nil {
		return TopupResult{}, err
	}
	if !result.AlreadyApplied {
		s.publish(ctx, events.Event{
			Kind:       events.KindTopupVerified,
			AccountID:  result.AccountID,
			Amount:     result.Amount,
			RelatedRef: input.ExternalRef,
		})
		s.publish(ctx, events.Event{Kind: events.KindBalanceChanged, AccountID: result.AccountID, Amount: result.Available})
	}
	return result, nil
}

// RefundInput captures a compensating credit for an earlier charge.
type RefundInput struct {
	AccountID      string
	Amount         int64
	RelatedRef     string
	IdempotencyKey string
}

// RefundResult reports the appended refund entry.
type RefundResult struct {
	EntryID    string `json:"entry_id"`
	AccountID  string `json:"account_id"`
	Amount     int64  `json:"amount"`
	RelatedRef string `json:"related_ref"`
	Available  int64  `json:"available"`
}

// Refund appends a compensating credit against an earlier movement. The
// related reference must match at least one committed entry so a refund can
// never be issued out of thin air.
func (s *Service) Refund(ctx context.Context, input RefundInput) (RefundResult, error) {
	if input.Amount <= 0 {
		return RefundResult{}, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	if input.AccountID == "" || input.RelatedRef == "" || input.IdempotencyKey == "" {
		return RefundResult{}, fmt.Errorf("%w: account, related ref and idempotency key are required", ledger.ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(opRefund, input.AccountID, input.RelatedRef, strconv.FormatInt(input.Amount, 10))
	reservation, err := s.guard.CheckAndReserve(ctx, opRefund, input.IdempotencyKey, fingerprint)
	if err != nil {
		if errors.Is(err, idempotency.ErrInProgress) {
			if prior, ok := s.recoverRefund(ctx, input); ok {
				return prior, nil
			}
		}
		return RefundResult{}, err
	}
	if !reservation.New {
		var prior RefundResult
		if err := json.Unmarshal(reservation.Prior, &prior); err != nil {
			return RefundResult{}, err
		}
		return prior, nil
	}

	var result RefundResult
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx ledger.Store) error {
			count, err := tx.CountEntriesByRef(ctx, input.RelatedRef)
			if err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("%w: no entries found for reference %s", ledger.ErrValidation, input.RelatedRef)
			}
			account, err := tx.GetAccount(ctx, input.AccountID)
			if err != nil {
				return err
			}
			entryID := uuid.NewString()
			if err := s.post(ctx, tx, &account, ledger.EntryRefund, input.Amount, input.IdempotencyKey, input.RelatedRef, entryID); err != nil {
				return err
			}
			result = RefundResult{
				EntryID:    entryID,
				AccountID:  account.ID,
				Amount:     input.Amount,
				RelatedRef: input.RelatedRef,
				Available:  account.Available,
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
			if prior, ok := s.recoverRefund(ctx, input); ok {
				return prior, nil
			}
		}
		s.release(ctx, opRefund, input.IdempotencyKey)
		return RefundResult{}, err
	}

	if err := s.storeResult(ctx, opRefund, input.IdempotencyKey, result); err != nil {
		return RefundResult{}, err
	}
	s.publish(ctx, events.Event{
		Kind:       events.KindBalanceChanged,
		AccountID:  result.AccountID,
		Amount:     result.Available,
		RelatedRef: input.RelatedRef,
	})
	return result, nil
}

// recoverRefund mirrors recoverTransfer for the refund entry key.
func (s *Service) recoverRefund(ctx context.Context, input RefundInput) (RefundResult, bool) {
	entry, err := s.store.GetEntryByKey(ctx, string(ledger.EntryRefund)+":"+input.IdempotencyKey)
	if err != nil || entry.AccountID != input.AccountID || entry.RelatedRef != input.RelatedRef {
		return RefundResult{}, false
	}
	account, err := s.store.GetAccount(ctx, input.AccountID)
	if err != nil {
		return RefundResult{}, false
	}
	result := RefundResult{
		EntryID:    entry.ID,
		AccountID:  account.ID,
		Amount:     entry.Amount,
		RelatedRef: entry.RelatedRef,
		Available:  account.Available,
	}
	if err := s.storeResult(ctx, opRefund, input.IdempotencyKey, result); err != nil {
		s.logger.Warn("failed to store recovered refund result", "key", input.IdempotencyKey, "error", err)
	}
	return result, true
}

// WithdrawInput captures a payout request.
type WithdrawInput struct {
	AccountID      string
	Amount         int64
	Destination    string
	IdempotencyKey string
}

// RequestWithdrawal reserves the amount in a hold, initiates the payout with
// the gateway and records the pending withdrawal. The funds stay held until
// CompleteWithdrawal, FailWithdrawal or CancelWithdrawal settles them.
func (s *Service) RequestWithdrawal(ctx context.Context, input WithdrawInput) (Withdrawal, error) {
	if input.Amount <= 0 {
		return Withdrawal{}, fmt.Errorf("%w: amount must be positive", ledger.ErrValidation)
	}
	if input.AccountID == "" || input.Destination == "" || input.IdempotencyKey == "" {
		return Withdrawal{}, fmt.Errorf("%w: account, destination and idempotency key are required", ledger.ErrValidation)
	}

	fingerprint := idempotency.Fingerprint(opRequestWithdrawal, input.AccountID, input.Destination, strconv.FormatInt(input.Amount, 10))
	reservation, err := s.guard.CheckAndReserve(ctx, opRequestWithdrawal, input.IdempotencyKey, fingerprint)
	if err != nil {
		return Withdrawal{}, err
	}
	if !reservation.New {
		var prior Withdrawal
		if err := json.Unmarshal(reservation.Prior, &prior); err != nil {
			return Withdrawal{}, err
		}
		return prior, nil
	}

	// The hold key is derived from the fresh withdrawal id, not the caller's
	// key: if the gateway call fails and the hold is released, a retry under
	// the same caller key must reserve a new hold rather than replay the
	// released one. The outer guard already dedupes the caller's key.
	withdrawalID := uuid.NewString()
	held, err := s.holds.Create(ctx, hold.CreateInput{
		AccountID:      input.AccountID,
		Amount:         input.Amount,
		RelatedRef:     "withdrawal:" + withdrawalID,
		IdempotencyKey: "wd-hold:" + withdrawalID,
	})
	if err != nil {
		s.release(ctx, opRequestWithdrawal, input.IdempotencyKey)
		return Withdrawal{}, err
	}

	var decision PayoutDecision
	err = retry.Do(ctx, s.gatewayTry, func(ctx context.Context) error {
		var err error
		decision, err = s.gateway.InitiatePayout(ctx, PayoutRequest{
			WithdrawalID: withdrawalID,
			Destination:  input.Destination,
			Amount:       input.Amount,
			Currency:     ledger.DefaultCurrency,
		})
		return err
	})
	if err != nil {
		// The payout never left the building: give the money back.
		if _, relErr := s.holds.Release(ctx, held.Hold.ID, "wd-fail:"+withdrawalID); relErr != nil {
			s.logger.Error("failed to release hold after gateway failure",
				"hold_id", held.Hold.ID, "withdrawal_id", withdrawalID, "error", relErr)
		}
		s.release(ctx, opRequestWithdrawal, input.IdempotencyKey)
		return Withdrawal{}, err
	}

	now := s.now()
	withdrawal := Withdrawal{
		ID:          withdrawalID,
		AccountID:   input.AccountID,
		Amount:      input.Amount,
		Destination: input.Destination,
		HoldID:      held.Hold.ID,
		GatewayRef:  decision.Reference,
		Status:      WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.withdrawals.Create(ctx, withdrawal); err != nil {
		return Withdrawal{}, err
	}

	if err := s.storeResult(ctx, opRequestWithdrawal, input.IdempotencyKey, withdrawal); err != nil {
		return Withdrawal{}, err
	}
	s.publish(ctx, events.Event{
		Kind:       events.KindWithdrawalRequested,
		AccountID:  input.AccountID,
		Amount:     input.Amount,
		RelatedRef: "withdrawal:" + withdrawalID,
	})
	return withdrawal, nil
}

// GetWithdrawal returns one withdrawal record.
func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error) {
	return s.withdrawals.Get(ctx, withdrawalID)
}

// CompleteWithdrawal settles a successful payout: the held amount is captured
// to the payout suspense account as a withdrawal entry and the record moves
// to completed. Safe to call more than once.
func (s *Service) CompleteWithdrawal(ctx context.Context, withdrawalID, gatewayRef string) (Withdrawal, error) {
	withdrawal, err := s.withdrawals.Get(ctx, withdrawalID)
	if err != nil {
		return Withdrawal{}, err
	}
	if withdrawal.Status == WithdrawalCompleted {
		return withdrawal, nil
	}
	if withdrawal.Status != WithdrawalPending {
		return Withdrawal{}, fmt.Errorf("%w: status %s", ErrWithdrawalNotPending, withdrawal.Status)
	}

	suspense, err := s.store.GetOrCreateAccount(ctx, ledger.PayoutSuspenseOwner, ledger.OwnerPlatform)
	if err != nil {
		return Withdrawal{}, err
	}
	if _, err := s.holds.Capture(ctx, hold.CaptureInput{
		HoldID:                withdrawal.HoldID,
		CaptureAmount:         withdrawal.Amount,
		CounterpartyAccountID: suspense.ID,
		CounterpartyEntryType: ledger.EntryWithdrawal,
		IdempotencyKey:        "wd-complete:" + withdrawalID,
	}); err != nil {
		return Withdrawal{}, err
	}

	updated, err := s.withdrawals.UpdateStatus(ctx, withdrawalID, WithdrawalPending, WithdrawalCompleted, gatewayRef)
	if errors.Is(err, ErrWithdrawalNotPending) {
		// A concurrent completion won the record update; the capture above
		// was an idempotent replay.
		return s.withdrawals.Get(ctx, withdrawalID)
	}
	if err != nil {
		return Withdrawal{}, err
	}
	s.publish(ctx, events.Event{
		Kind:       events.KindWithdrawalCompleted,
		AccountID:  updated.AccountID,
		Amount:     updated.Amount,
		RelatedRef: "withdrawal:" + withdrawalID,
	})
	return updated, nil
}

// FailWithdrawal settles a payout the gateway rejected: the hold is released
// back to the account and the record moves to failed.
func (s *Service) FailWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error) {
	return s.abandon(ctx, withdrawalID, WithdrawalFailed)
}

// CancelWithdrawal releases a payout the user cancelled before settlement.
func (s *Service) CancelWithdrawal(ctx context.Context, withdrawalID string) (Withdrawal, error) {
	return s.abandon(ctx, withdrawalID, WithdrawalCancelled)
}

func (s *Service) abandon(ctx context.Context, withdrawalID string, to WithdrawalStatus) (Withdrawal, error) {
	withdrawal, err := s.withdrawals.Get(ctx, withdrawalID)
	if err != nil {
		return Withdrawal{}, err
	}
	if withdrawal.Status == to {
		return withdrawal, nil
	}
	if withdrawal.Status != WithdrawalPending {
		return Withdrawal{}, fmt.Errorf("%w: status %s", ErrWithdrawalNotPending, withdrawal.Status)
	}

	if _, err := s.holds.Release(ctx, withdrawal.HoldID, "wd-fail:"+withdrawalID); err != nil {
		if !errors.Is(err, ledger.ErrHoldNotActive) {
			return Withdrawal{}, err
		}
		// The hold went terminal without us. Released or expired means the
		// funds are already back with the account and only the record needs
		// the flip. Captured means a completion won the race and the money
		// has moved to payout suspense: the record must not claim the funds
		// were returned.
		settled, getErr := s.store.GetHold(ctx, withdrawal.HoldID)
		if getErr != nil {
			return Withdrawal{}, getErr
		}
		if settled.State == ledger.HoldCaptured {
			return Withdrawal{}, fmt.Errorf("%w: payout already captured", ErrWithdrawalNotPending)
		}
	}
	updated, err := s.withdrawals.UpdateStatus(ctx, withdrawalID, WithdrawalPending, to, "")
	if errors.Is(err, ErrWithdrawalNotPending) {
		return s.withdrawals.Get(ctx, withdrawalID)
	}
	if err != nil {
		return Withdrawal{}, err
	}
	s.publish(ctx, events.Event{
		Kind:       events.KindWithdrawalCancelled,
		AccountID:  updated.AccountID,
		Amount:     updated.Amount,
		RelatedRef: "withdrawal:" + withdrawalID,
	})
	return updated, nil
}

// posting is one leg of a multi-account movement.
type posting struct {
	account   *ledger.Account
	entryType ledger.EntryType
	amount    int64
	key       string
}

// apply posts the legs grouped by account in ascending account id order, so
// two concurrent transfers touching the same accounts cannot deadlock on row
// locks. Legs on the same account keep their relative order.
func (s *Service) apply(ctx context.Context, tx ledger.Store, relatedRef string, steps []posting) error {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].account.ID < steps[j].account.ID })
	for _, step := range steps {
		if err := s.post(ctx, tx, step.account, step.entryType, step.amount, step.key, relatedRef, uuid.NewString()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) post(ctx context.Context, tx ledger.Store, account *ledger.Account, entryType ledger.EntryType, amount int64, key, relatedRef, entryID string) error {
	now := s.now()
	return ledger.Post(ctx, tx, account, ledger.Entry{
		ID:             entryID,
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

func (s *Service) storeResult(ctx context.Context, operation, key string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.guard.StoreResult(ctx, operation, key, payload)
}

func (s *Service) release(ctx context.Context, operation, key string) {
	if err := s.guard.Release(ctx, operation, key); err != nil {
		s.logger.Warn("failed to release idempotency reservation", "operation", operation, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "kind", event.Kind, "error", err)
	}
}
