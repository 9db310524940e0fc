package runs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quillworks/quill/internal/coordinator"
	"github.com/quillworks/quill/internal/model"
)

// Reconciler sweeps run metadata for unsettled debits: a crashed leader
// that left its run running with a pending debit, no live lock, and
// metadata stale for longer than any plausible refresh gap, or an
// errored run whose leader could not complete the refund. Each
// orphan is refunded exactly once and its run marked errored. Acquiring
// the expired run lock before reconciling keeps concurrent sweepers, and
// a restarting leader, from double-refunding.
type Reconciler struct {
	coord  *coordinator.Coordinator
	ledger Ledger
	logger *slog.Logger

	interval   time.Duration
	staleAfter time.Duration
	lockTTL    time.Duration
	runTTL     time.Duration
}

// NewReconciler creates a sweep that runs every interval and treats
// running metadata older than staleAfter as orphaned.
func NewReconciler(coord *coordinator.Coordinator, ledger Ledger, logger *slog.Logger, interval time.Duration, cfg Config) *Reconciler {
	return &Reconciler{
		coord:      coord,
		ledger:     ledger,
		logger:     logger,
		interval:   interval,
		staleAfter: 2 * cfg.LockTTL,
		lockTTL:    cfg.LockTTL,
		runTTL:     cfg.RunTTL,
	}
}

// Run sweeps on a ticker until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("reconciled orphaned runs", "count", n)
			}
		}
	}
}

// Sweep scans all run metadata once and reconciles every orphan found.
// It returns the number of runs reconciled.
func (r *Reconciler) Sweep(ctx context.Context) int {
	keys, err := r.coord.Runs(ctx)
	if err != nil {
		r.logger.Error("scan run metadata", "error", err)
		return 0
	}
	var reconciled int
	for _, key := range keys {
		ok, err := r.reconcile(ctx, key)
		if err != nil {
			r.logger.Error("reconcile run", "run", key.String(), "error", err)
			continue
		}
		if ok {
			reconciled++
		}
	}
	return reconciled
}

func (r *Reconciler) reconcile(ctx context.Context, key model.RunKey) (bool, error) {
	meta, found, err := r.coord.GetMetadata(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if !r.orphaned(meta) {
		return false, nil
	}
	held, err := r.coord.LockHeld(ctx, key)
	if err != nil {
		return false, err
	}
	if held {
		// Leader is alive, just quiet. Leave it alone.
		return false, nil
	}

	token, err := r.coord.AcquireRunLock(ctx, key, r.lockTTL)
	if err != nil {
		return false, err
	}
	if token == "" {
		// Someone else, another sweeper or a fresh leader, got there
		// first.
		return false, nil
	}
	defer func() {
		if err := r.coord.ReleaseRunLock(context.Background(), key, token); err != nil && !errors.Is(err, coordinator.ErrNotHolder) {
			r.logger.Warn("release reconcile lock", "run", key.String(), "error", err)
		}
	}()

	// Re-read under the lock; the state may have settled in the window.
	meta, found, err = r.coord.GetMetadata(ctx, key)
	if err != nil {
		return false, err
	}
	if !found || !r.orphaned(meta) {
		return false, nil
	}

	amount := *meta.PendingDebit
	balance, err := r.ledger.Add(ctx, key.UserID, amount)
	if err != nil {
		return false, err
	}

	errored := model.RunErrored
	if err := r.coord.SetMetadata(ctx, key, coordinator.MetadataUpdate{
		Status:           &errored,
		NullPendingDebit: true,
		RemainingCredits: &balance,
	}, r.runTTL); err != nil {
		return false, err
	}
	if meta.Status == model.RunRunning {
		// An errored run already carries its terminal event; only a
		// crashed leader leaves the log without one.
		r.coord.AppendStreamEvent(ctx, key, model.RunEvent{
			Type:             model.EventError,
			Message:          genericFailureMessage,
			RemainingCredits: &balance,
		}, r.runTTL, 0)
	}

	r.logger.Warn("refunded orphaned debit",
		"run", key.String(), "amount", amount, "balance", balance)
	return true, nil
}

func (r *Reconciler) orphaned(meta model.RunMetadata) bool {
	if meta.PendingDebit == nil || *meta.PendingDebit <= 0 {
		return false
	}
	if meta.Status == model.RunErrored {
		// The leader recorded the failure but its refund call did not
		// land. Only the debit is left to settle.
		return true
	}
	return meta.Status == model.RunRunning && time.Since(meta.UpdatedAt) > r.staleAfter
}
