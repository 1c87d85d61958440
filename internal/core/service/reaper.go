package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// StaleTaskReaper force-fails tasks stuck in processing past their kind's
// time-to-live. It is the backstop that guarantees no task stays in
// processing forever when a worker never reports back. Terminal status is
// sticky in the store, so the reaper and a late worker report cannot both
// win; whichever lands first sticks and the other is a no-op.
type StaleTaskReaper struct {
	store     port.TaskStore
	registry  *LaneRegistry
	admission *AdmissionController
	emitter   *DiagnosticsEmitter
	log       *zap.Logger
	now       func() time.Time
}

func NewStaleTaskReaper(store port.TaskStore, registry *LaneRegistry, admission *AdmissionController, emitter *DiagnosticsEmitter, log *zap.Logger) *StaleTaskReaper {
	return &StaleTaskReaper{
		store:     store,
		registry:  registry,
		admission: admission,
		emitter:   emitter,
		log:       log,
		now:       time.Now,
	}
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (r *StaleTaskReaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping stale task reaper")
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				r.log.Error("Reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce force-fails every processing task past its TTL. Each reaped
// task releases its lane accounting and emits a queue_timeout diagnostic.
func (r *StaleTaskReaper) SweepOnce(ctx context.Context) error {
	tasks, err := r.store.ListProcessing(ctx)
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}

	now := r.now()
	for _, task := range tasks {
		if !task.StaleBy(now) {
			continue
		}
		r.reap(ctx, task, now)
	}
	return nil
}

func (r *StaleTaskReaper) reap(ctx context.Context, task *domain.Task, now time.Time) {
	msg := StaleFailureMessage(task.Kind)
	applied, err := r.store.Fail(ctx, task.ID, msg)
	if err != nil {
		r.log.Error("Failed to reap stale task",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !applied {
		// A worker report beat us to a terminal state.
		return
	}

	r.registry.NoteStall(task.Model)

	// Release keyed by task ID: a no-op for dedicated dispatches and for
	// slots the completion path already returned, regardless of what mode
	// the lane has moved to since the task was admitted.
	r.admission.Release(task.ID)

	lane, _ := r.registry.Resolve(task.Model)

	elapsed := now.Sub(*task.StartedAt)
	r.emitter.Emit(domain.MemoryDiagnosticEvent{
		EventType: domain.EventQueueTimeout,
		TaskID:    task.ID,
		Model:     task.Model,
		LaneMode:  lane.Mode,
		Value:     fmt.Sprintf("%.0f", elapsed.Seconds()),
	})

	r.log.Warn("Reaped stale task",
		zap.String("task_id", task.ID),
		zap.String("model", task.Model),
		zap.String("kind", string(task.Kind)),
		zap.Duration("elapsed", elapsed))
}

// StaleFailureMessage is the deterministic error message a reaped task
// carries.
func StaleFailureMessage(kind domain.TaskKind) string {
	return fmt.Sprintf("generation timed out: task exceeded the %s processing limit of %s",
		kind, kind.StaleTTL())
}
