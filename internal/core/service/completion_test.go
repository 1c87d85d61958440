package service

import (
	"context"
	"testing"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/memory"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

type completionFixture struct {
	svc       *CompletionService
	store     *memory.TaskStore
	admission *AdmissionController
	sink      *memory.EventSink
	emitter   *DiagnosticsEmitter
}

func newCompletionFixture() *completionFixture {
	sink := memory.NewEventSink()
	emitter := NewDiagnosticsEmitter(sink, 64, zap.NewNop())
	admission := NewAdmissionController(domain.DefaultDegradedQueuePolicy(), 1, zap.NewNop())
	store := memory.NewTaskStore()
	return &completionFixture{
		svc:       NewCompletionService(store, admission, emitter, zap.NewNop()),
		store:     store,
		admission: admission,
		sink:      sink,
		emitter:   emitter,
	}
}

func (f *completionFixture) seedProcessing(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Create(ctx, &domain.Task{
		ID:        id,
		Model:     "sdxl-turbo",
		Kind:      domain.TaskKindImage,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Create = %v", err)
	}
	if err := f.store.MarkProcessing(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkProcessing = %v", err)
	}
}

func TestCompletionAppliesSuccess(t *testing.T) {
	f := newCompletionFixture()
	ctx := context.Background()
	f.seedProcessing(t, "task-1")

	err := f.svc.ApplyReport(ctx, &domain.CompletionReport{
		TaskID:         "task-1",
		Model:          "sdxl-turbo",
		Mode:           domain.ModeDedicated,
		Succeeded:      true,
		ResultLocation: "results/task-1.png",
		AllocatedMB:    8192,
		FinishedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyReport = %v", err)
	}

	task, _ := f.store.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusDone {
		t.Errorf("status = %s, want done", task.Status)
	}
	if task.ResultLocation != "results/task-1.png" {
		t.Errorf("result location = %q", task.ResultLocation)
	}

	f.emitter.Close()
	events := f.sink.EventsOfType(domain.EventMemoryPostGeneration)
	if len(events) != 1 {
		t.Fatalf("memory_post_generation events = %d, want 1", len(events))
	}
	if events[0].Value != "8192.0" {
		t.Errorf("event value = %q, want allocated MB", events[0].Value)
	}
}

func TestCompletionAppliesFailure(t *testing.T) {
	f := newCompletionFixture()
	defer f.emitter.Close()
	ctx := context.Background()
	f.seedProcessing(t, "task-1")

	err := f.svc.ApplyReport(ctx, &domain.CompletionReport{
		TaskID:       "task-1",
		Model:        "sdxl-turbo",
		Mode:         domain.ModeDedicated,
		Succeeded:    false,
		ErrorMessage: "CUDA out of memory",
		FinishedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("ApplyReport = %v", err)
	}

	task, _ := f.store.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.ErrorMessage != "CUDA out of memory" {
		t.Errorf("error message = %q", task.ErrorMessage)
	}
}

func TestCompletionIgnoresAlreadyTerminal(t *testing.T) {
	f := newCompletionFixture()
	ctx := context.Background()
	f.seedProcessing(t, "task-1")

	if applied, err := f.store.Fail(ctx, "task-1", "reaped"); err != nil || !applied {
		t.Fatalf("Fail = (%v, %v)", applied, err)
	}

	err := f.svc.ApplyReport(ctx, &domain.CompletionReport{
		TaskID:         "task-1",
		Model:          "sdxl-turbo",
		Mode:           domain.ModeDedicated,
		Succeeded:      true,
		ResultLocation: "results/task-1.png",
	})
	if err != nil {
		t.Fatalf("ApplyReport = %v", err)
	}

	task, _ := f.store.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusFailed || task.ErrorMessage != "reaped" {
		t.Errorf("task = %+v, want the earlier failure preserved", task)
	}

	// No post-generation event for a no-op report.
	f.emitter.Close()
	if got := len(f.sink.EventsOfType(domain.EventMemoryPostGeneration)); got != 0 {
		t.Errorf("memory_post_generation events = %d, want 0", got)
	}
}

func TestCompletionReleasesSharedSlot(t *testing.T) {
	f := newCompletionFixture()
	defer f.emitter.Close()
	ctx := context.Background()
	f.seedProcessing(t, "task-1")

	if err := f.admission.TryAdmit(ctx, "task-1"); err != nil {
		t.Fatalf("TryAdmit = %v", err)
	}

	err := f.svc.ApplyReport(ctx, &domain.CompletionReport{
		TaskID:         "task-1",
		Model:          "sdxl-turbo",
		Mode:           domain.ModeDegradedShared,
		Succeeded:      true,
		ResultLocation: "results/task-1.png",
	})
	if err != nil {
		t.Fatalf("ApplyReport = %v", err)
	}

	// The shared slot must be free again.
	if err := f.admission.TryAdmit(ctx, "task-2"); err != nil {
		t.Errorf("TryAdmit after completion = %v, want immediate grant", err)
	}
}
