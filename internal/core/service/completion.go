package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// CompletionService applies worker completion reports against the task
// store. Terminal status is sticky, so a report landing after the reaper
// already failed the task is a no-op. Shared-mode completions hand the
// execution slot back to the admission controller either way.
type CompletionService struct {
	store     port.TaskStore
	admission *AdmissionController
	emitter   *DiagnosticsEmitter
	log       *zap.Logger
}

func NewCompletionService(store port.TaskStore, admission *AdmissionController, emitter *DiagnosticsEmitter, log *zap.Logger) *CompletionService {
	return &CompletionService{
		store:     store,
		admission: admission,
		emitter:   emitter,
		log:       log,
	}
}

// ApplyReport commits one worker report. Idempotent with respect to the
// reaper's forced failure: whichever terminal transition lands first wins,
// and the slot release is keyed by task ID so it cannot double-count when
// the reaper already returned the slot.
func (c *CompletionService) ApplyReport(ctx context.Context, report *domain.CompletionReport) error {
	defer c.admission.Release(report.TaskID)

	var (
		applied bool
		err     error
	)
	if report.Succeeded {
		applied, err = c.store.Complete(ctx, report.TaskID, report.ResultLocation)
	} else {
		applied, err = c.store.Fail(ctx, report.TaskID, report.ErrorMessage)
	}
	if err != nil {
		return fmt.Errorf("apply completion for task %s: %w", report.TaskID, err)
	}
	if !applied {
		c.log.Info("Completion report ignored, task already terminal",
			zap.String("task_id", report.TaskID))
		return nil
	}

	c.emitter.Emit(domain.MemoryDiagnosticEvent{
		EventType: domain.EventMemoryPostGeneration,
		TaskID:    report.TaskID,
		Model:     report.Model,
		LaneMode:  report.Mode,
		Value:     strconv.FormatFloat(report.AllocatedMB, 'f', 1, 64),
	})

	c.log.Info("Task finished",
		zap.String("task_id", report.TaskID),
		zap.String("model", report.Model),
		zap.Bool("succeeded", report.Succeeded))
	return nil
}
