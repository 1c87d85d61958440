package service

import (
	"context"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// LaneHealthWatcher is the only component that feeds LaneRegistry
// transitions. Each cycle it probes worker heartbeats, GPU memory
// headroom and dedicated-assignment delay, and reports the results as
// registry callbacks. The request path never mutates lane state.
type LaneHealthWatcher struct {
	models      []string
	registry    *LaneRegistry
	coordinator port.WorkerCoordinator
	monitor     port.GPUMonitor
	store       port.TaskStore
	log         *zap.Logger

	// minFreeMB is the GPU memory headroom below which a lane's worker is
	// considered capacity-denied.
	minFreeMB float64
	now       func() time.Time
}

func NewLaneHealthWatcher(
	models []string,
	registry *LaneRegistry,
	coordinator port.WorkerCoordinator,
	monitor port.GPUMonitor,
	store port.TaskStore,
	minFreeMB float64,
	log *zap.Logger,
) *LaneHealthWatcher {
	return &LaneHealthWatcher{
		models:      models,
		registry:    registry,
		coordinator: coordinator,
		monitor:     monitor,
		store:       store,
		minFreeMB:   minFreeMB,
		log:         log,
		now:         time.Now,
	}
}

// Run probes on a fixed cadence until the context is cancelled.
func (w *LaneHealthWatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping lane health watcher")
			return
		case <-ticker.C:
			w.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one full probe cycle across all lanes.
func (w *LaneHealthWatcher) ProbeOnce(ctx context.Context) {
	workers, err := w.coordinator.ActiveWorkers(ctx)
	if err != nil {
		w.log.Warn("Failed to list active workers", zap.Error(err))
		workers = nil
	}

	for _, model := range w.models {
		w.probeLane(ctx, model)
		w.checkCapacity(ctx, model, workers)
		w.checkAssignmentDelay(ctx, model)
	}
}

func (w *LaneHealthWatcher) probeLane(ctx context.Context, model string) {
	served, err := w.coordinator.LaneServed(ctx, model)
	if err != nil {
		w.log.Warn("Lane probe failed", zap.String("lane", model), zap.Error(err))
		w.registry.ReportProbeFailure(model)
		return
	}
	if served {
		w.registry.ReportProbeSuccess(model)
	} else {
		w.registry.ReportProbeFailure(model)
	}
}

func (w *LaneHealthWatcher) checkCapacity(ctx context.Context, model string, workers []*domain.Worker) {
	for _, worker := range workers {
		if !worker.ServesLane(model) {
			continue
		}
		used, total, err := w.monitor.WorkerMemory(ctx, worker.ID)
		if err != nil {
			w.log.Debug("GPU memory query failed",
				zap.String("worker", worker.ID), zap.Error(err))
			continue
		}
		if total-used < w.minFreeMB {
			w.log.Warn("GPU memory headroom exhausted",
				zap.String("lane", model),
				zap.String("worker", worker.ID),
				zap.Float64("free_mb", total-used))
			w.registry.DenyCapacity(model)
		}
	}
}

func (w *LaneHealthWatcher) checkAssignmentDelay(ctx context.Context, model string) {
	pending, err := w.store.ListPending(ctx, model)
	if err != nil {
		w.log.Warn("Failed to list pending tasks", zap.String("model", model), zap.Error(err))
		return
	}
	now := w.now()
	for _, task := range pending {
		w.registry.ReportAssignmentDelay(model, now.Sub(task.CreatedAt))
	}
}
