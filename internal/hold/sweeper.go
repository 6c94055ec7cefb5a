package hold

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soko-plus/soko_plus/internal/ledger"
)

const defaultSweepBatch = 100

// Sweeper releases expired holds in the background so abandoned bookings do
// not pin funds forever. It runs off the hot path on a fixed interval.
type Sweeper struct {
	service  *Service
	store    ledger.Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper builds an expiry sweeper.
func NewSweeper(service *Service, store ledger.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, store: store, interval: interval, batch: defaultSweepBatch, logger: logger}
}

// Run sweeps until the context is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil && w.logger != nil {
				w.logger.Error("hold sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires every hold whose expiry has passed. A hold already moved
// to a terminal state by a concurrent caller is skipped.
func (w *Sweeper) SweepOnce(ctx context.Context) error {
	expired, err := w.store.ListExpiredHolds(ctx, time.Now().UTC(), w.batch)
	if err != nil {
		return err
	}
	for _, hold := range expired {
		if _, err := w.service.Expire(ctx, hold.ID); err != nil {
			if errors.Is(err, ledger.ErrHoldNotActive) {
				continue
			}
			if w.logger != nil {
				w.logger.Error("expire hold", "hold_id", hold.ID, "error", err)
			}
		}
	}
	return nil
}
