package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kgtrace/backend/internal/metrics"
	"github.com/kgtrace/backend/internal/refs"
	"github.com/kgtrace/backend/pkg/logger"
)

// Store is the relational surface the reconciler sweeps.
type Store interface {
	MarkStaleRunningFailed(ctx context.Context, maxAge time.Duration, now time.Time) ([]string, error)
	ListUnattributedRefs(ctx context.Context, objectType refs.ObjectType) ([]string, error)
	InsertOrphanedRef(ctx context.Context, ref, operationID string, detectedAt time.Time) error
}

// Reconciler periodically fails operations stuck in running state and flags
// object references no completed operation accounts for. It repairs
// bookkeeping only; it never deletes domain objects.
type Reconciler struct {
	store    Store
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

type Report struct {
	StaleOperations []string `json:"stale_operations"`
	OrphanedRefs    []string `json:"orphaned_refs"`
}

func New(store Store, maxOperationAge, interval time.Duration) *Reconciler {
	if maxOperationAge <= 0 {
		maxOperationAge = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:    store,
		maxAge:   maxOperationAge,
		interval: interval,
		now:      time.Now,
	}
}

// RunOnce executes a single sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	now := r.now()

	stale, err := r.store.MarkStaleRunningFailed(ctx, r.maxAge, now)
	if err != nil {
		return Report{}, fmt.Errorf("failed to fail stale operations: %w", err)
	}

	report := Report{StaleOperations: stale}
	for _, objType := range []refs.ObjectType{refs.TypeMention, refs.TypeSurfaceForm} {
		orphans, err := r.store.ListUnattributedRefs(ctx, objType)
		if err != nil {
			return report, fmt.Errorf("failed to scan %s orphans: %w", objType, err)
		}
		for _, ref := range orphans {
			if err := r.store.InsertOrphanedRef(ctx, ref, "", now); err != nil {
				return report, fmt.Errorf("failed to record orphan %s: %w", ref, err)
			}
			report.OrphanedRefs = append(report.OrphanedRefs, ref)
		}
	}

	if len(report.StaleOperations) > 0 || len(report.OrphanedRefs) > 0 {
		metrics.OrphanedRefsDetected.Add(float64(len(report.OrphanedRefs)))
		logger.Warn("Reconciliation found inconsistencies",
			zap.Int("stale_operations", len(report.StaleOperations)),
			zap.Int("orphaned_refs", len(report.OrphanedRefs)),
		)
	} else {
		logger.Debug("Reconciliation sweep clean")
	}
	return report, nil
}

// Run sweeps on a ticker until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("Reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("max_operation_age", r.maxAge),
	)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}
