package service

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// WorkerService runs on a GPU worker process. It consumes dispatch
// envelopes, enforces the single-resident-pipeline discipline, executes
// the loaded pipeline and reports progress and terminal results. At most
// one heavy pipeline occupies the worker's memory at a time; switching
// models releases the prior pipeline and runs the cache cleanup before
// the new model loads. That ordering is mandatory, also under pressure.
type WorkerService struct {
	workerID      string
	lanes         []string
	sharedCapable bool
	totalMemoryMB float64

	store       port.TaskStore
	coordinator port.WorkerCoordinator
	consumer    port.DispatchConsumer
	publisher   port.CompletionPublisher
	runtime     port.PipelineRuntime
	emitter     *DiagnosticsEmitter
	log         *zap.Logger

	mu       sync.Mutex
	resident string
}

func NewWorkerService(
	workerID string,
	lanes []string,
	sharedCapable bool,
	totalMemoryMB float64,
	store port.TaskStore,
	coordinator port.WorkerCoordinator,
	consumer port.DispatchConsumer,
	publisher port.CompletionPublisher,
	runtime port.PipelineRuntime,
	emitter *DiagnosticsEmitter,
	log *zap.Logger,
) *WorkerService {
	return &WorkerService{
		workerID:      workerID,
		lanes:         lanes,
		sharedCapable: sharedCapable,
		totalMemoryMB: totalMemoryMB,
		store:         store,
		coordinator:   coordinator,
		consumer:      consumer,
		publisher:     publisher,
		runtime:       runtime,
		emitter:       emitter,
		log:           log,
	}
}

// Start begins the heartbeat loop and the dispatch consumer.
func (w *WorkerService) Start(ctx context.Context) error {
	w.log.Info("Starting GPU worker",
		zap.String("id", w.workerID),
		zap.Strings("lanes", w.lanes),
		zap.Bool("shared_capable", w.sharedCapable))

	go w.heartbeatLoop(ctx)

	queues := make([]string, 0, len(w.lanes)+1)
	for _, lane := range w.lanes {
		queues = append(queues, "lane."+lane)
	}
	if w.sharedCapable {
		queues = append(queues, "lane.shared")
	}

	if err := w.consumer.ConsumeDispatches(ctx, queues, w.handleDispatch); err != nil {
		return fmt.Errorf("failed to start dispatch consumer: %w", err)
	}
	return nil
}

func (w *WorkerService) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worker := &domain.Worker{
				ID:            w.workerID,
				Hostname:      os.Getenv("HOSTNAME"),
				Lanes:         w.lanes,
				SharedCapable: w.sharedCapable,
				ResidentModel: w.Resident(),
				TotalMemoryMB: w.totalMemoryMB,
				Status:        domain.WorkerStatusActive,
				LastHeartbeat: time.Now(),
			}
			if err := w.coordinator.RegisterWorker(ctx, worker); err != nil {
				w.log.Error("Heartbeat failed", zap.Error(err))
			} else {
				w.log.Debug("Heartbeat sent")
			}
		}
	}
}

// handleDispatch executes one dispatched task end to end.
func (w *WorkerService) handleDispatch(env *domain.DispatchEnvelope) error {
	ctx := context.Background()
	w.log.Info("Worker received task",
		zap.String("task_id", env.TaskID),
		zap.String("model", env.Model),
		zap.String("mode", string(env.Mode)))

	// A task the reaper already force-failed (or a redelivered envelope
	// for a finished task) must not execute or report again.
	if current, err := w.store.GetByID(ctx, env.TaskID); err == nil && current.Status.IsTerminal() {
		w.log.Info("Skipping dispatch for terminal task",
			zap.String("task_id", env.TaskID),
			zap.String("status", string(current.Status)))
		return nil
	}

	if err := w.EnsureResident(ctx, env.Model, env.Mode); err != nil {
		// The load failure is terminal for the task; acking keeps the
		// broker from redelivering an envelope we already reported on.
		w.report(ctx, env, false, "", fmt.Sprintf("pipeline load failed: %v", err))
		return nil
	}

	if err := w.store.MarkProcessing(ctx, env.TaskID, time.Now()); err != nil {
		w.log.Error("Failed to mark task processing",
			zap.String("task_id", env.TaskID), zap.Error(err))
		return err
	}

	task := &domain.Task{
		ID:         env.TaskID,
		Model:      env.Model,
		Kind:       env.Kind,
		Parameters: env.Parameters,
		Status:     domain.TaskStatusProcessing,
	}
	result, err := w.runtime.Generate(ctx, task, func(progress int) {
		if err := w.store.UpdateProgress(ctx, env.TaskID, progress); err != nil {
			w.log.Debug("Progress update failed",
				zap.String("task_id", env.TaskID), zap.Error(err))
		}
	})
	if err != nil {
		w.report(ctx, env, false, "", err.Error())
		return nil // worker failure is terminal for the task, not the consumer
	}

	w.report(ctx, env, true, result, "")
	return nil
}

// EnsureResident makes the requested pipeline the resident one. A
// same-model request is a no-op: the warm pipeline is never unloaded just
// to serve its own model again. A model switch releases memory, runs the
// mandatory cache cleanup, then loads.
func (w *WorkerService) EnsureResident(ctx context.Context, model string, mode domain.LaneMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resident == model {
		return nil
	}

	if w.resident != "" {
		freedMB, err := w.runtime.Release(ctx)
		if err != nil {
			return fmt.Errorf("release pipeline %s: %w", w.resident, err)
		}
		if err := w.runtime.CleanupCache(ctx); err != nil {
			return fmt.Errorf("cache cleanup after %s: %w", w.resident, err)
		}
		w.emitter.Emit(domain.MemoryDiagnosticEvent{
			EventType: domain.EventMemoryCleanup,
			Model:     w.resident,
			LaneMode:  mode,
			Value:     strconv.FormatFloat(freedMB, 'f', 1, 64),
		})
		w.log.Info("Released resident pipeline",
			zap.String("model", w.resident),
			zap.Float64("freed_mb", freedMB))
		w.resident = ""
	}

	if err := w.runtime.Load(ctx, model); err != nil {
		return fmt.Errorf("load pipeline %s: %w", model, err)
	}
	w.resident = model
	w.log.Info("Pipeline loaded", zap.String("model", model))
	return nil
}

// Resident returns the currently loaded model, empty when none.
func (w *WorkerService) Resident() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resident
}

func (w *WorkerService) report(ctx context.Context, env *domain.DispatchEnvelope, succeeded bool, result, errMsg string) {
	report := &domain.CompletionReport{
		TaskID:         env.TaskID,
		Model:          env.Model,
		Mode:           env.Mode,
		Succeeded:      succeeded,
		ResultLocation: result,
		ErrorMessage:   errMsg,
		FinishedAt:     time.Now(),
	}
	if err := w.publisher.PublishCompletion(ctx, report); err != nil {
		w.log.Error("Failed to publish completion report",
			zap.String("task_id", env.TaskID), zap.Error(err))
	}
}
