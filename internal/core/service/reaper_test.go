package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/memory"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

type reaperFixture struct {
	reaper    *StaleTaskReaper
	store     *memory.TaskStore
	registry  *LaneRegistry
	admission *AdmissionController
	sink      *memory.EventSink
	emitter   *DiagnosticsEmitter
}

func newReaperFixture(models ...string) *reaperFixture {
	sink := memory.NewEventSink()
	emitter := NewDiagnosticsEmitter(sink, 64, zap.NewNop())
	registry := NewLaneRegistry(models, emitter, zap.NewNop())
	admission := NewAdmissionController(domain.DefaultDegradedQueuePolicy(), 1, zap.NewNop())
	store := memory.NewTaskStore()
	return &reaperFixture{
		reaper:    NewStaleTaskReaper(store, registry, admission, emitter, zap.NewNop()),
		store:     store,
		registry:  registry,
		admission: admission,
		sink:      sink,
		emitter:   emitter,
	}
}

func (f *reaperFixture) addProcessing(t *testing.T, id, model string, kind domain.TaskKind, startedAgo time.Duration) {
	t.Helper()
	ctx := context.Background()
	task := &domain.Task{
		ID:        id,
		Model:     model,
		Kind:      kind,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now().Add(-startedAgo),
		UpdatedAt: time.Now(),
	}
	if err := f.store.Create(ctx, task); err != nil {
		t.Fatalf("Create(%s) = %v", id, err)
	}
	if err := f.store.MarkProcessing(ctx, id, time.Now().Add(-startedAgo)); err != nil {
		t.Fatalf("MarkProcessing(%s) = %v", id, err)
	}
}

func TestReaperForceFailsStaleTasks(t *testing.T) {
	f := newReaperFixture("sdxl-turbo", "wan-vace-14b")
	ctx := context.Background()

	// An image task over its 10 minute limit and a video task over its 30
	// minute limit are both stale; the fresh ones are left alone.
	f.addProcessing(t, "stale-image", "sdxl-turbo", domain.TaskKindImage, domain.StaleImageTTL+time.Minute)
	f.addProcessing(t, "fresh-image", "sdxl-turbo", domain.TaskKindImage, domain.StaleImageTTL-time.Minute)
	f.addProcessing(t, "stale-video", "wan-vace-14b", domain.TaskKindVideo, domain.StaleVideoTTL+time.Minute)
	f.addProcessing(t, "fresh-video", "wan-vace-14b", domain.TaskKindVideo, domain.StaleImageTTL+time.Minute)

	if err := f.reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce = %v", err)
	}

	for id, wantStatus := range map[string]domain.TaskStatus{
		"stale-image": domain.TaskStatusFailed,
		"fresh-image": domain.TaskStatusProcessing,
		"stale-video": domain.TaskStatusFailed,
		"fresh-video": domain.TaskStatusProcessing,
	} {
		task, err := f.store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID(%s) = %v", id, err)
		}
		if task.Status != wantStatus {
			t.Errorf("task %s status = %s, want %s", id, task.Status, wantStatus)
		}
	}

	// The failure message is deterministic and names the kind's limit.
	task, _ := f.store.GetByID(ctx, "stale-image")
	if task.ErrorMessage != StaleFailureMessage(domain.TaskKindImage) {
		t.Errorf("error message = %q, want %q", task.ErrorMessage, StaleFailureMessage(domain.TaskKindImage))
	}
	if !strings.Contains(task.ErrorMessage, "timed out") {
		t.Errorf("error message %q does not mention the timeout", task.ErrorMessage)
	}

	f.emitter.Close()
	if got := len(f.sink.EventsOfType(domain.EventQueueTimeout)); got != 2 {
		t.Errorf("queue_timeout events = %d, want 2", got)
	}
}

func TestReaperLosesToWorkerCompletion(t *testing.T) {
	f := newReaperFixture("sdxl-turbo")
	defer f.emitter.Close()
	ctx := context.Background()

	f.addProcessing(t, "task-1", "sdxl-turbo", domain.TaskKindImage, domain.StaleImageTTL+time.Minute)

	// The worker's completion lands first.
	if applied, err := f.store.Complete(ctx, "task-1", "results/task-1.png"); err != nil || !applied {
		t.Fatalf("Complete = (%v, %v), want applied", applied, err)
	}

	if err := f.reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce = %v", err)
	}

	task, _ := f.store.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusDone {
		t.Errorf("status = %s, want done preserved over the reaper", task.Status)
	}
	if task.ResultLocation != "results/task-1.png" {
		t.Errorf("result location = %q, want preserved", task.ResultLocation)
	}
}

func TestReaperWinsOverLateWorkerReport(t *testing.T) {
	f := newReaperFixture("sdxl-turbo")
	defer f.emitter.Close()
	ctx := context.Background()

	f.addProcessing(t, "task-1", "sdxl-turbo", domain.TaskKindImage, domain.StaleImageTTL+time.Minute)

	if err := f.reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce = %v", err)
	}

	// A worker report arriving after the reap must not flip the record.
	if applied, err := f.store.Complete(ctx, "task-1", "results/task-1.png"); err != nil || applied {
		t.Fatalf("late Complete = (%v, %v), want not applied", applied, err)
	}

	task, _ := f.store.GetByID(ctx, "task-1")
	if task.Status != domain.TaskStatusFailed {
		t.Errorf("status = %s, want failed to stick", task.Status)
	}
}

func TestReaperReleasesDegradedSlot(t *testing.T) {
	f := newReaperFixture("sdxl-turbo")
	defer f.emitter.Close()
	ctx := context.Background()

	f.registry.DenyCapacity("sdxl-turbo")
	if err := f.admission.TryAdmit(ctx, "task-1"); err != nil {
		t.Fatalf("TryAdmit = %v", err)
	}
	f.addProcessing(t, "task-1", "sdxl-turbo", domain.TaskKindImage, domain.StaleImageTTL+time.Minute)

	if err := f.reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce = %v", err)
	}

	// The reaped task's slot is back in the pool.
	if err := f.admission.TryAdmit(ctx, "task-2"); err != nil {
		t.Errorf("TryAdmit after reap = %v, want immediate grant", err)
	}
}

func TestReaperReleasesSlotAfterLaneRestored(t *testing.T) {
	f := newReaperFixture("sdxl-turbo")
	defer f.emitter.Close()
	ctx := context.Background()

	// Task admitted while the lane was degraded.
	f.registry.DenyCapacity("sdxl-turbo")
	if err := f.admission.TryAdmit(ctx, "task-1"); err != nil {
		t.Fatalf("TryAdmit = %v", err)
	}
	f.addProcessing(t, "task-1", "sdxl-turbo", domain.TaskKindImage, domain.StaleImageTTL+time.Minute)

	// Capacity recovers and dedicated routing is restored before the
	// sweep runs. The slot belongs to the task, not to the lane's current
	// mode, and must still come back.
	f.registry.ReportProbeSuccess("sdxl-turbo")

	if err := f.reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce = %v", err)
	}

	if err := f.admission.TryAdmit(ctx, "task-2"); err != nil {
		t.Errorf("TryAdmit after reap = %v, want the task's slot back despite the mode change", err)
	}
}

func TestReapThenLateReportReleasesSlotOnce(t *testing.T) {
	sink := memory.NewEventSink()
	emitter := NewDiagnosticsEmitter(sink, 64, zap.NewNop())
	defer emitter.Close()
	registry := NewLaneRegistry([]string{"sdxl-turbo"}, emitter, zap.NewNop())
	admission := NewAdmissionController(testPolicy(25, 50*time.Millisecond), 1, zap.NewNop())
	store := memory.NewTaskStore()
	reaper := NewStaleTaskReaper(store, registry, admission, emitter, zap.NewNop())
	completion := NewCompletionService(store, admission, emitter, zap.NewNop())
	ctx := context.Background()

	registry.DenyCapacity("sdxl-turbo")
	if err := admission.TryAdmit(ctx, "task-1"); err != nil {
		t.Fatalf("TryAdmit = %v", err)
	}
	started := time.Now().Add(-domain.StaleImageTTL - time.Minute)
	if err := store.Create(ctx, &domain.Task{
		ID:        "task-1",
		Model:     "sdxl-turbo",
		Kind:      domain.TaskKindImage,
		Status:    domain.TaskStatusPending,
		CreatedAt: started,
	}); err != nil {
		t.Fatalf("Create = %v", err)
	}
	if err := store.MarkProcessing(ctx, "task-1", started); err != nil {
		t.Fatalf("MarkProcessing = %v", err)
	}

	// The reaper wins the terminal race and returns the slot.
	if err := reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce = %v", err)
	}

	// A slow-but-alive worker reports afterwards. The report is a no-op
	// and must not return the same slot a second time.
	if err := completion.ApplyReport(ctx, &domain.CompletionReport{
		TaskID:         "task-1",
		Model:          "sdxl-turbo",
		Mode:           domain.ModeDegradedShared,
		Succeeded:      true,
		ResultLocation: "results/task-1.png",
	}); err != nil {
		t.Fatalf("ApplyReport = %v", err)
	}

	// Exactly one slot exists: the first admit is granted, the second
	// must wait and expire.
	if err := admission.TryAdmit(ctx, "task-2"); err != nil {
		t.Fatalf("TryAdmit(task-2) = %v, want the single slot granted", err)
	}
	if err := admission.TryAdmit(ctx, "task-3"); !errors.Is(err, ErrQueueWaitExpired) {
		t.Errorf("TryAdmit(task-3) = %v, want ErrQueueWaitExpired with capacity still one", err)
	}
}
