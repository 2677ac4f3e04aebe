// Package worker runs the scheduled side of the engine: hourly accrual
// with activation expiry, credit resumption for orders that captured but
// never credited, and a single reconciliation pass over orders whose
// client-side poll never finished.
package worker

import (
	"context"
	"log/slog"
	"time"

	"taskium/internal/mining"
	"taskium/internal/payment"
	"taskium/internal/payment/bnb"
)

type Worker struct {
	Mining   *mining.Service
	Payments *payment.Manager
	Heads    *bnb.HeadSubscriber
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *Worker) Run(ctx context.Context) {
	if w.Heads != nil {
		go w.runHeadWatcher(ctx)
	}

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil {
			w.Logger.Error("sync failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncOnce is one full reconciliation pass. Every step is idempotent, so
// overlapping or repeated passes are safe.
func (w *Worker) SyncOnce(ctx context.Context) error {
	now := time.Now().UTC()

	if err := w.Mining.AccrueHourly(ctx, now); err != nil {
		return err
	}
	if err := w.Payments.ResumeCredits(ctx); err != nil {
		return err
	}
	return w.Payments.ReconcilePending(ctx)
}

// runHeadWatcher re-checks pending orders on every new BSC block instead
// of waiting for the next tick. Connection loss falls back to the timer;
// reconnects happen with a small backoff.
func (w *Worker) runHeadWatcher(ctx context.Context) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := w.watchHeads(ctx); err != nil {
			w.Logger.Warn("head watcher disconnected", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (w *Worker) watchHeads(ctx context.Context) error {
	if err := w.Heads.Connect(ctx); err != nil {
		return err
	}
	defer w.Heads.Close()

	if err := w.Heads.Subscribe(ctx); err != nil {
		return err
	}
	w.Logger.Info("head watcher connected", "endpoint", w.Heads.Endpoint)

	for {
		height, ok, err := w.Heads.ReadHead(ctx)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		w.Logger.Debug("new head", "height", height)
		if err := w.Payments.ReconcilePending(ctx); err != nil {
			w.Logger.Warn("head-triggered reconcile failed", "err", err)
		}
	}
}
