package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DispatchOutcome identifies how the router resolved one request. Each
// outcome is individually observable.
type DispatchOutcome string

const (
	OutcomeAcceptedDedicated  DispatchOutcome = "accepted_dedicated"
	OutcomeAcceptedDegraded   DispatchOutcome = "accepted_degraded"
	OutcomeRejectedOverloaded DispatchOutcome = "rejected_overloaded"
	OutcomeRejectedInvalid    DispatchOutcome = "rejected_invalid"
)

// Router evaluates the dispatch decision once per incoming request, in a
// fixed order: validate, then dedicated lane if ready, then degraded
// admission, then deterministic overload rejection. A rejected request
// leaves no partial reservation behind; the task record is only created
// after a route is secured.
type Router struct {
	validator *ConstraintValidator
	registry  *LaneRegistry
	admission *AdmissionController
	store     port.TaskStore
	dispatch  port.LaneDispatcher
	emitter   *DiagnosticsEmitter
	log       *zap.Logger
	now       func() time.Time
	newID     func() string
}

func NewRouter(
	validator *ConstraintValidator,
	registry *LaneRegistry,
	admission *AdmissionController,
	store port.TaskStore,
	dispatch port.LaneDispatcher,
	emitter *DiagnosticsEmitter,
	log *zap.Logger,
) *Router {
	return &Router{
		validator: validator,
		registry:  registry,
		admission: admission,
		store:     store,
		dispatch:  dispatch,
		emitter:   emitter,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Submit routes one generation request. On acceptance it returns the
// created pending task and an accepted outcome. On rejection the task is
// nil, the outcome names the rejection, and the error carries the
// code/detail/user_action triple.
func (r *Router) Submit(ctx context.Context, model string, params domain.GenerationParams) (*domain.Task, DispatchOutcome, error) {
	// Parameter legality precedes any resource reservation. A failed
	// validation never creates a task and never touches lane or queue
	// state.
	if err := r.validator.Validate(model, params); err != nil {
		r.log.Info("Request rejected by constraint validation",
			zap.String("model", model), zap.Error(err))
		return nil, OutcomeRejectedInvalid, err
	}
	constraints, err := r.validator.Lookup(model)
	if err != nil {
		return nil, OutcomeRejectedInvalid, domain.NewValidationError(err.Error())
	}

	lane, err := r.registry.Resolve(model)
	if err != nil {
		return nil, OutcomeRejectedInvalid, domain.NewValidationError(err.Error())
	}

	if lane.Availability == domain.LaneReady && lane.Mode == domain.ModeDedicated {
		return r.dispatchDedicated(ctx, model, constraints.Kind, params)
	}
	return r.dispatchDegraded(ctx, model, constraints.Kind, params, lane)
}

func (r *Router) dispatchDedicated(ctx context.Context, model string, kind domain.TaskKind, params domain.GenerationParams) (*domain.Task, DispatchOutcome, error) {
	task, err := r.createTask(ctx, model, kind, params)
	if err != nil {
		return nil, "", err
	}
	if err := r.dispatch.DispatchDedicated(ctx, task); err != nil {
		r.abandon(ctx, task, err)
		return nil, "", fmt.Errorf("dedicated dispatch for %s: %w", model, err)
	}
	r.log.Info("Task dispatched to dedicated lane",
		zap.String("task_id", task.ID),
		zap.String("lane", model))
	return task, OutcomeAcceptedDedicated, nil
}

func (r *Router) dispatchDegraded(ctx context.Context, model string, kind domain.TaskKind, params domain.GenerationParams, lane domain.Lane) (*domain.Task, DispatchOutcome, error) {
	candidateID := r.newID()

	if err := r.admission.TryAdmit(ctx, candidateID); err != nil {
		switch {
		case errors.Is(err, ErrQueueDepthExceeded):
			r.emitter.Emit(domain.MemoryDiagnosticEvent{
				EventType: domain.EventQueueOverloaded,
				Model:     model,
				LaneMode:  domain.ModeDegradedShared,
				Value:     strconv.Itoa(r.admission.Depth()),
			})
			return nil, OutcomeRejectedOverloaded, domain.NewOverloadError(
				"degraded queue is at maximum depth")
		case errors.Is(err, ErrQueueWaitExpired):
			r.emitter.Emit(domain.MemoryDiagnosticEvent{
				EventType: domain.EventQueueTimeout,
				Model:     model,
				LaneMode:  domain.ModeDegradedShared,
				Value:     strconv.FormatFloat(r.admission.policy.MaxWait.Seconds(), 'f', 0, 64),
			})
			return nil, OutcomeRejectedOverloaded, domain.NewOverloadError(
				"request waited too long for a shared worker")
		default:
			return nil, "", err
		}
	}

	task, err := r.createTaskWithID(ctx, candidateID, model, kind, params)
	if err != nil {
		r.admission.Release(candidateID)
		return nil, "", err
	}
	if err := r.dispatch.DispatchShared(ctx, task); err != nil {
		r.admission.Release(candidateID)
		r.abandon(ctx, task, err)
		return nil, "", fmt.Errorf("shared dispatch for %s: %w", model, err)
	}

	r.log.Info("Task dispatched to shared worker",
		zap.String("task_id", task.ID),
		zap.String("model", model),
		zap.String("fallback_reason", string(lane.FallbackReason)))
	return task, OutcomeAcceptedDegraded, nil
}

func (r *Router) createTask(ctx context.Context, model string, kind domain.TaskKind, params domain.GenerationParams) (*domain.Task, error) {
	return r.createTaskWithID(ctx, r.newID(), model, kind, params)
}

func (r *Router) createTaskWithID(ctx context.Context, id, model string, kind domain.TaskKind, params domain.GenerationParams) (*domain.Task, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	now := r.now()
	task := &domain.Task{
		ID:         id,
		Model:      model,
		Kind:       kind,
		Parameters: raw,
		Status:     domain.TaskStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// abandon marks a created task failed when its dispatch never left the
// scheduler, so no record is stranded in pending.
func (r *Router) abandon(ctx context.Context, task *domain.Task, cause error) {
	if _, err := r.store.Fail(ctx, task.ID, fmt.Sprintf("dispatch failed: %v", cause)); err != nil {
		r.log.Error("Failed to mark abandoned task",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}
