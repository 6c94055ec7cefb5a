package hold

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soko-plus/soko_plus/internal/events"
	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
	"github.com/soko-plus/soko_plus/internal/logging"
)

type recordingPublisher struct {
	published []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.published = append(p.published, event)
	return nil
}

func (p *recordingPublisher) kinds() []string {
	var kinds []string
	for _, event := range p.published {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

func newTestService(t *testing.T) (*Service, *ledger.MemoryStore, *recordingPublisher) {
	t.Helper()
	store := ledger.NewMemory()
	publisher := &recordingPublisher{}
	service := NewService(store, idempotency.NewMemoryGuard(), publisher, logging.Discard())
	return service, store, publisher
}

func fundedAccount(t *testing.T, store ledger.Store, ownerID string, amount int64) ledger.Account {
	t.Helper()
	ctx := context.Background()
	account, err := store.GetOrCreateAccount(ctx, ownerID, ledger.OwnerUser)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if amount > 0 {
		if err := ledger.SeedAvailable(ctx, store, account.ID, amount); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	account, err = store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	return account
}

func TestCreateHoldMovesAvailableToHeld(t *testing.T) {
	service, store, publisher := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, store, "payer", 500)

	result, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-1",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if result.Available != 300 || result.Held != 200 {
		t.Fatalf("expected available=300 held=200, got %+v", result)
	}
	if result.Hold.State != ledger.HoldActive {
		t.Fatalf("expected active hold, got %s", result.Hold.State)
	}

	kinds := publisher.kinds()
	if len(kinds) != 2 || kinds[0] != events.KindHoldCreated || kinds[1] != events.KindBalanceChanged {
		t.Fatalf("unexpected events: %v", kinds)
	}
}

func TestCreateHoldInsufficientFunds(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, store, "payer", 100)

	_, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-1",
		IdempotencyKey: "key1",
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// The failed attempt must not poison the key for a retry after topup.
	if err := ledger.SeedAvailable(ctx, store, account.ID, 200); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-1",
		IdempotencyKey: "key1",
	}); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
}

func TestBookingCancelledScenario(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, store, "payer", 500)

	created, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-1",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if created.Available != 300 || created.Held != 200 {
		t.Fatalf("after hold: %+v", created)
	}

	resolved, err := service.ResolveBooking(ctx, ResolveInput{
		BookingRef:     "booking-1",
		Outcome:        OutcomeCancelled,
		IdempotencyKey: "resolve1",
	})
	if err != nil {
		t.Fatalf("resolve cancelled: %v", err)
	}
	if resolved.Released != 200 || resolved.Captured != 0 {
		t.Fatalf("cancelled outcome must refund everything: %+v", resolved)
	}

	balance, err := store.GetAccount(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if balance.Available != 500 || balance.Held != 0 {
		t.Fatalf("expected available=500 held=0, got %+v", balance)
	}

	// Replaying the original creation key returns the same hold without
	// moving balances again.
	replay, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-1",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if replay.Hold.ID != created.Hold.ID {
		t.Fatalf("expected the original hold back, got %s", replay.Hold.ID)
	}
	balance, _ = store.GetAccount(ctx, account.ID)
	if balance.Available != 500 || balance.Held != 0 {
		t.Fatalf("replay must not change balances: %+v", balance)
	}
}

func TestCaptureConservesValue(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	payer := fundedAccount(t, store, "payer", 1_000)
	vendor := fundedAccount(t, store, "vendor", 0)

	created, err := service.Create(ctx, CreateInput{
		AccountID:      payer.ID,
		Amount:         400,
		RelatedRef:     "order-9",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	result, err := service.Capture(ctx, CaptureInput{
		HoldID:                created.Hold.ID,
		CaptureAmount:         400,
		CounterpartyAccountID: vendor.ID,
		IdempotencyKey:        "cap1",
	})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if result.Captured != 400 || result.Released != 0 {
		t.Fatalf("unexpected split: %+v", result)
	}

	payerAfter, _ := store.GetAccount(ctx, payer.ID)
	vendorAfter, _ := store.GetAccount(ctx, vendor.ID)
	if payerAfter.Available != 600 || payerAfter.Held != 0 {
		t.Fatalf("payer balances wrong: %+v", payerAfter)
	}
	if vendorAfter.Available != 400 {
		t.Fatalf("vendor balances wrong: %+v", vendorAfter)
	}
	if payerAfter.Total()+vendorAfter.Total() != 1_000 {
		t.Fatalf("value was created or destroyed: payer=%d vendor=%d", payerAfter.Total(), vendorAfter.Total())
	}
}

func TestPartialCaptureSplitsCorrectly(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	payer := fundedAccount(t, store, "payer", 1_000)
	vendor := fundedAccount(t, store, "vendor", 0)

	created, err := service.Create(ctx, CreateInput{
		AccountID:      payer.ID,
		Amount:         400,
		RelatedRef:     "order-9",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	result, err := service.Capture(ctx, CaptureInput{
		HoldID:                created.Hold.ID,
		CaptureAmount:         150,
		CounterpartyAccountID: vendor.ID,
		IdempotencyKey:        "cap1",
	})
	if err != nil {
		t.Fatalf("partial capture: %v", err)
	}
	if result.Captured != 150 || result.Released != 250 {
		t.Fatalf("unexpected split: %+v", result)
	}

	payerAfter, _ := store.GetAccount(ctx, payer.ID)
	vendorAfter, _ := store.GetAccount(ctx, vendor.ID)
	if payerAfter.Available != 850 || payerAfter.Held != 0 {
		t.Fatalf("payer balances wrong: %+v", payerAfter)
	}
	if vendorAfter.Available != 150 {
		t.Fatalf("vendor balances wrong: %+v", vendorAfter)
	}
}

func TestHoldLeavesActiveExactlyOnce(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	payer := fundedAccount(t, store, "payer", 1_000)
	vendor := fundedAccount(t, store, "vendor", 0)

	created, err := service.Create(ctx, CreateInput{
		AccountID:      payer.ID,
		Amount:         300,
		RelatedRef:     "order-1",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	if _, err := service.Release(ctx, created.Hold.ID, "rel1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := service.Capture(ctx, CaptureInput{
		HoldID:                created.Hold.ID,
		CaptureAmount:         300,
		CounterpartyAccountID: vendor.ID,
		IdempotencyKey:        "cap1",
	}); !errors.Is(err, ledger.ErrHoldNotActive) {
		t.Fatalf("expected hold not active, got %v", err)
	}

	if _, err := service.Release(ctx, created.Hold.ID, "rel2"); !errors.Is(err, ledger.ErrHoldNotActive) {
		t.Fatalf("expected hold not active on second release, got %v", err)
	}

	// Replaying the release key that performed the transition stays a no-op.
	result, err := service.Release(ctx, created.Hold.ID, "rel1")
	if err != nil {
		t.Fatalf("replay release: %v", err)
	}
	if result.Hold.State != ledger.HoldReleased {
		t.Fatalf("expected released, got %s", result.Hold.State)
	}
}

func TestResolveBookingCompletedPaysOwner(t *testing.T) {
	for _, outcome := range []BookingOutcome{OutcomeCompleted, OutcomeNoShow} {
		t.Run(string(outcome), func(t *testing.T) {
			service, store, _ := newTestService(t)
			ctx := context.Background()
			payer := fundedAccount(t, store, "payer", 500)
			owner := fundedAccount(t, store, "owner", 0)

			_, err := service.Create(ctx, CreateInput{
				AccountID:      payer.ID,
				Amount:         100,
				RelatedRef:     "booking-2",
				IdempotencyKey: "key1",
			})
			if err != nil {
				t.Fatalf("create hold: %v", err)
			}

			result, err := service.ResolveBooking(ctx, ResolveInput{
				BookingRef:     "booking-2",
				Outcome:        outcome,
				OwnerAccountID: owner.ID,
				IdempotencyKey: "resolve1",
			})
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if result.Captured != 100 || result.Released != 0 {
				t.Fatalf("expected full capture, got %+v", result)
			}

			payerAfter, _ := store.GetAccount(ctx, payer.ID)
			ownerAfter, _ := store.GetAccount(ctx, owner.ID)
			if payerAfter.Held != 0 || payerAfter.Available != 400 {
				t.Fatalf("payer balances wrong: %+v", payerAfter)
			}
			if ownerAfter.Available != 100 {
				t.Fatalf("owner balances wrong: %+v", ownerAfter)
			}
		})
	}
}

func TestExpireViaSweeper(t *testing.T) {
	service, store, publisher := newTestService(t)
	ctx := context.Background()
	payer := fundedAccount(t, store, "payer", 500)

	expiry := time.Now().UTC().Add(-time.Minute)
	created, err := service.Create(ctx, CreateInput{
		AccountID:      payer.ID,
		Amount:         200,
		RelatedRef:     "booking-3",
		ExpiresAt:      &expiry,
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	sweeper := NewSweeper(service, store, time.Minute, logging.Discard())
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	hold, err := store.GetHold(ctx, created.Hold.ID)
	if err != nil {
		t.Fatalf("get hold: %v", err)
	}
	if hold.State != ledger.HoldExpired {
		t.Fatalf("expected expired, got %s", hold.State)
	}
	balance, _ := store.GetAccount(ctx, payer.ID)
	if balance.Available != 500 || balance.Held != 0 {
		t.Fatalf("funds not returned: %+v", balance)
	}

	// A second sweep is a no-op.
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}

	var expiredEvents int
	for _, kind := range publisher.kinds() {
		if kind == events.KindHoldExpired {
			expiredEvents++
		}
	}
	if expiredEvents != 1 {
		t.Fatalf("expected exactly one expiry event, got %d", expiredEvents)
	}
}

func TestCaptureIdempotentReplay(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	payer := fundedAccount(t, store, "payer", 1_000)
	vendor := fundedAccount(t, store, "vendor", 0)

	created, err := service.Create(ctx, CreateInput{
		AccountID:      payer.ID,
		Amount:         400,
		RelatedRef:     "order-9",
		IdempotencyKey: "key1",
	})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}

	input := CaptureInput{
		HoldID:                created.Hold.ID,
		CaptureAmount:         400,
		CounterpartyAccountID: vendor.ID,
		IdempotencyKey:        "cap1",
	}
	first, err := service.Capture(ctx, input)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	replay, err := service.Capture(ctx, input)
	if err != nil {
		t.Fatalf("replay capture: %v", err)
	}
	if replay.Captured != first.Captured || replay.Hold.ID != first.Hold.ID {
		t.Fatalf("replay diverged: %+v vs %+v", replay, first)
	}

	vendorAfter, _ := store.GetAccount(ctx, vendor.ID)
	if vendorAfter.Available != 400 {
		t.Fatalf("replay double-applied: %+v", vendorAfter)
	}
}

func TestCreateHoldReplayMutatedExpiryConflicts(t *testing.T) {
	service, store, _ := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, store, "payer", 500)

	if _, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-7",
		IdempotencyKey: "key1",
	}); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	// Same key, but now with an expiry: that is a different request, not a
	// replay.
	expiry := time.Now().UTC().Add(time.Hour)
	_, err := service.Create(ctx, CreateInput{
		AccountID:      account.ID,
		Amount:         200,
		RelatedRef:     "booking-7",
		ExpiresAt:      &expiry,
		IdempotencyKey: "key1",
	})
	if !errors.Is(err, idempotency.ErrKeyConflict) {
		t.Fatalf("want ErrKeyConflict for mutated expiry, got %v", err)
	}
	balance, _ := store.GetAccount(ctx, account.ID)
	if balance.Available != 300 || balance.Held != 200 {
		t.Fatalf("conflicting request must not move funds: %+v", balance)
	}
}

func TestRefundPolicyTable(t *testing.T) {
	cases := []struct {
		outcome   BookingOutcome
		wantRatio float64
		wantOwner bool
	}{
		{OutcomeCancelled, 1.0, false},
		{OutcomeCompleted, 0.0, true},
		{OutcomeNoShow, 0.0, true},
	}
	for _, tc := range cases {
		policy, err := PolicyFor(tc.outcome)
		if err != nil {
			t.Fatalf("%s: %v", tc.outcome, err)
		}
		if policy.RefundRatio != tc.wantRatio || policy.TransferToOwner != tc.wantOwner {
			t.Fatalf("%s: unexpected policy %+v", tc.outcome, policy)
		}
	}
	if _, err := PolicyFor("unknown"); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
