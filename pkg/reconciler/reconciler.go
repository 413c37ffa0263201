package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/oshpc/laasd/pkg/log"
	"github.com/oshpc/laasd/pkg/metrics"
	"github.com/oshpc/laasd/pkg/provisioning"
	"github.com/oshpc/laasd/pkg/storage"
	"github.com/oshpc/laasd/pkg/taskrun"
	"github.com/oshpc/laasd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	defaultInterval = 10 * time.Second

	// staleReadyTaskAfter is how long a task may sit in Ready state
	// before the reconciler treats it as stranded and re-targets it.
	// Legitimate dependency waits resolve in well under this; anything
	// longer means the process that would have run it is gone.
	staleReadyTaskAfter = 2 * time.Minute
)

// Reconciler periodically ends expired aggregates and re-targets tasks
// a crashed process left in Ready state.
type Reconciler struct {
	db        *storage.DB
	orch      *provisioning.Orchestrator
	scheduler *taskrun.Scheduler
	logger    zerolog.Logger

	interval time.Duration
	staleAt  time.Duration

	mu     sync.RWMutex
	stopCh chan struct{}
}

// NewReconciler builds a Reconciler over db, orch, and scheduler,
// ticking every 10 seconds once Start is called.
func NewReconciler(db *storage.DB, orch *provisioning.Orchestrator, scheduler *taskrun.Scheduler) *Reconciler {
	return &Reconciler{
		db:        db,
		orch:      orch,
		scheduler: scheduler,
		logger:    log.WithComponent("reconciler"),
		interval:  defaultInterval,
		staleAt:   staleReadyTaskAfter,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop on its own goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one reconciliation cycle.
func (r *Reconciler) reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.reconcileExpiredAggregates(); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile expired aggregates")
	}
	if err := r.reconcileStuckTasks(); err != nil {
		r.logger.Error().Err(err).Msg("failed to reconcile stuck tasks")
	}
	return nil
}

// reconcileExpiredAggregates tears down every Active aggregate whose
// End time has passed. TeardownAggregate is idempotent on an already
// Done aggregate's allocations, so a torn-down aggregate picked up by
// a second cycle (e.g. a slow prior cycle still running) just repeats
// the power-off pass harmlessly.
func (r *Reconciler) reconcileExpiredAggregates() error {
	var expired []types.Aggregate
	err := r.db.View(func(tx *storage.Tx) error {
		aggs, err := storage.Aggregates.Where(tx, func(a types.Aggregate) bool {
			return a.State == types.AggregateStateActive && !a.End.IsZero() && time.Now().After(a.End)
		})
		expired = aggs
		return err
	})
	if err != nil {
		return fmt.Errorf("reconciler: list expired aggregates: %w", err)
	}

	for _, agg := range expired {
		r.logger.Info().
			Str("aggregate_id", agg.ID).
			Time("end", agg.End).
			Msg("aggregate past its end time, tearing down")
		if err := r.orch.TeardownAggregate(agg.ID); err != nil {
			r.logger.Error().Err(err).Str("aggregate_id", agg.ID).Msg("failed to tear down expired aggregate")
			continue
		}
		metrics.ExpiredAggregatesTotal.Inc()
	}
	return nil
}

// reconcileStuckTasks looks for tasks that have sat in Ready state
// longer than staleAt, logs them, and re-runs ResumeTargets to nudge
// the scheduler's dependency walk over every Ready task again.
// ResumeTargets is idempotent: startIfNotRunning no-ops for any task
// already running, so this is safe to call every cycle regardless of
// whether it actually finds anything stale.
func (r *Reconciler) reconcileStuckTasks() error {
	var stuck []types.RuntimeTask
	err := r.db.View(func(tx *storage.Tx) error {
		tasks, err := storage.RuntimeTasks.Where(tx, func(t types.RuntimeTask) bool {
			return t.State == types.TaskStateReady && time.Since(t.UpdatedAt) > r.staleAt
		})
		stuck = tasks
		return err
	})
	if err != nil {
		return fmt.Errorf("reconciler: list stuck tasks: %w", err)
	}
	if len(stuck) == 0 {
		return nil
	}

	for _, t := range stuck {
		r.logger.Warn().
			Str("task_id", t.ID).
			Str("identifier", t.Identifier).
			Dur("stuck_for", time.Since(t.UpdatedAt)).
			Msg("task stuck in Ready state, re-targeting")
	}
	return r.scheduler.ResumeTargets()
}
