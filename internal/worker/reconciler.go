// Package worker runs the periodic block-ledger maintenance sweeps.
package worker

import (
	"context"
	"time"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

const sweepTimeout = 30 * time.Second

type blockLedger interface {
	ReconcileExpired(ctx context.Context) (int, error)
	CleanupRetention(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reconciler expires lapsed temporary blocks on a fixed interval and purges
// old inactive rows on a slower one. Sweeps are idempotent, so several
// processes may run one each.
type Reconciler struct {
	ledger            blockLedger
	reconcileInterval time.Duration
	retentionInterval time.Duration
	retentionPeriod   time.Duration
}

func NewReconciler(ledger blockLedger, cfg config.IPBlockConfig) *Reconciler {
	return &Reconciler{
		ledger:            ledger,
		reconcileInterval: cfg.ReconcileInterval,
		retentionInterval: cfg.RetentionInterval,
		retentionPeriod:   cfg.RetentionPeriod,
	}
}

// Run blocks until ctx is cancelled. A zero interval disables that sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.reconcileInterval <= 0 && (r.retentionInterval <= 0 || r.retentionPeriod <= 0) {
		util.Info("Block reconciler disabled")
		<-ctx.Done()
		return nil
	}

	var reconcileC, retentionC <-chan time.Time
	if r.reconcileInterval > 0 {
		t := time.NewTicker(r.reconcileInterval)
		defer t.Stop()
		reconcileC = t.C
		r.reconcile(ctx)
	}
	if r.retentionInterval > 0 && r.retentionPeriod > 0 {
		t := time.NewTicker(r.retentionInterval)
		defer t.Stop()
		retentionC = t.C
	}

	util.Info("Block reconciler started",
		util.Duration("reconcile_interval", r.reconcileInterval),
		util.Duration("retention_interval", r.retentionInterval),
		util.Duration("retention_period", r.retentionPeriod),
	)

	for {
		select {
		case <-ctx.Done():
			util.Info("Block reconciler stopped")
			return nil
		case <-reconcileC:
			r.reconcile(ctx)
		case <-retentionC:
			r.purge(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if _, err := r.ledger.ReconcileExpired(ctx); err != nil {
		util.Error("Expired block sweep failed", util.ErrorField(err))
	}
}

func (r *Reconciler) purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()
	if _, err := r.ledger.CleanupRetention(ctx, r.retentionPeriod); err != nil {
		util.Error("Block retention sweep failed", util.ErrorField(err))
	}
}
