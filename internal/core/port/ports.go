// Package port provides behavior interfaces that connect the core
// services to storage, transport and telemetry adapters.
package port

import (
	"context"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
)

// TaskStore defines how task lifecycle records are persisted. Terminal
// status is sticky: Complete and Fail report whether they actually
// transitioned the task, and are no-ops on already-terminal records.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	MarkProcessing(ctx context.Context, id string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id, resultLocation string) (bool, error)
	Fail(ctx context.Context, id, errorMessage string) (bool, error)
	ListProcessing(ctx context.Context) ([]*domain.Task, error)
	ListPending(ctx context.Context, model string) ([]*domain.Task, error)
}

// DiagnosticsSink records operational events for audit. Implementations
// may be slow; callers must never block dispatch on them.
type DiagnosticsSink interface {
	Record(ctx context.Context, event domain.MemoryDiagnosticEvent) error
}

// LaneDispatcher defines how dispatch envelopes reach GPU workers.
type LaneDispatcher interface {
	DispatchDedicated(ctx context.Context, task *domain.Task) error
	DispatchShared(ctx context.Context, task *domain.Task) error
}

// DispatchConsumer defines how a worker receives dispatch envelopes.
type DispatchConsumer interface {
	ConsumeDispatches(ctx context.Context, queues []string, handler func(env *domain.DispatchEnvelope) error) error
}

// CompletionPublisher defines how a worker reports terminal results.
type CompletionPublisher interface {
	PublishCompletion(ctx context.Context, report *domain.CompletionReport) error
}

// CompletionConsumer defines how the scheduler receives worker reports.
type CompletionConsumer interface {
	ConsumeCompletions(ctx context.Context, handler func(report *domain.CompletionReport) error) error
}

// WorkerCoordinator defines how we track live GPU workers (Redis).
type WorkerCoordinator interface {
	RegisterWorker(ctx context.Context, worker *domain.Worker) error
	ActiveWorkers(ctx context.Context) ([]*domain.Worker, error)
	LaneServed(ctx context.Context, model string) (bool, error)
}

// GPUMonitor defines how we fetch live GPU memory telemetry (Prometheus).
type GPUMonitor interface {
	WorkerMemory(ctx context.Context, workerID string) (usedMB, totalMB float64, err error)
}

// PipelineRuntime is the loaded-pipeline contract a worker executes.
// Exactly one heavy pipeline may be resident at a time; switching models
// requires Release then CleanupCache before the next Load.
type PipelineRuntime interface {
	Load(ctx context.Context, model string) error
	Release(ctx context.Context) (freedMB float64, err error)
	CleanupCache(ctx context.Context) error
	Generate(ctx context.Context, task *domain.Task, progress func(int)) (resultLocation string, err error)
}
