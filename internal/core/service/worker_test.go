package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/memory"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// recordingRuntime logs every runtime call in order so tests can assert
// the release -> cleanup -> load discipline.
type recordingRuntime struct {
	mu       sync.Mutex
	calls    []string
	resident string
	loadErr  error
	genErr   error
}

func (r *recordingRuntime) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingRuntime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingRuntime) Load(_ context.Context, model string) error {
	r.record("load:" + model)
	if r.loadErr != nil {
		return r.loadErr
	}
	r.resident = model
	return nil
}

func (r *recordingRuntime) Release(_ context.Context) (float64, error) {
	r.record("release:" + r.resident)
	r.resident = ""
	return 8192, nil
}

func (r *recordingRuntime) CleanupCache(_ context.Context) error {
	r.record("cleanup")
	return nil
}

func (r *recordingRuntime) Generate(_ context.Context, task *domain.Task, progress func(int)) (string, error) {
	r.record("generate:" + task.ID)
	if r.genErr != nil {
		return "", r.genErr
	}
	progress(50)
	progress(90)
	return "results/" + task.ID + ".png", nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	reports []*domain.CompletionReport
}

func (p *recordingPublisher) PublishCompletion(_ context.Context, report *domain.CompletionReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
	return nil
}

type nopCoordinator struct{}

func (nopCoordinator) RegisterWorker(context.Context, *domain.Worker) error { return nil }
func (nopCoordinator) ActiveWorkers(context.Context) ([]*domain.Worker, error) {
	return nil, nil
}
func (nopCoordinator) LaneServed(context.Context, string) (bool, error) { return true, nil }

type nopConsumer struct{}

func (nopConsumer) ConsumeDispatches(context.Context, []string, func(*domain.DispatchEnvelope) error) error {
	return nil
}

type workerFixture struct {
	worker    *WorkerService
	store     *memory.TaskStore
	runtime   *recordingRuntime
	publisher *recordingPublisher
	sink      *memory.EventSink
	emitter   *DiagnosticsEmitter
}

func newWorkerFixture() *workerFixture {
	sink := memory.NewEventSink()
	emitter := NewDiagnosticsEmitter(sink, 64, zap.NewNop())
	store := memory.NewTaskStore()
	runtime := &recordingRuntime{}
	publisher := &recordingPublisher{}
	worker := NewWorkerService(
		"worker-1", []string{"sdxl-turbo"}, true, 24576,
		store, nopCoordinator{}, nopConsumer{}, publisher, runtime, emitter, zap.NewNop(),
	)
	return &workerFixture{
		worker:    worker,
		store:     store,
		runtime:   runtime,
		publisher: publisher,
		sink:      sink,
		emitter:   emitter,
	}
}

func (f *workerFixture) seedPending(t *testing.T, id, model string, kind domain.TaskKind) {
	t.Helper()
	if err := f.store.Create(context.Background(), &domain.Task{
		ID:        id,
		Model:     model,
		Kind:      kind,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Create(%s) = %v", id, err)
	}
}

func TestEnsureResidentFirstLoad(t *testing.T) {
	f := newWorkerFixture()
	defer f.emitter.Close()

	if err := f.worker.EnsureResident(context.Background(), "sdxl-turbo", domain.ModeDedicated); err != nil {
		t.Fatalf("EnsureResident = %v", err)
	}

	calls := f.runtime.Calls()
	if len(calls) != 1 || calls[0] != "load:sdxl-turbo" {
		t.Errorf("calls = %v, want a single load with no release", calls)
	}
	if got := f.worker.Resident(); got != "sdxl-turbo" {
		t.Errorf("Resident() = %q, want sdxl-turbo", got)
	}
}

func TestEnsureResidentSameModelIsNoOp(t *testing.T) {
	f := newWorkerFixture()
	defer f.emitter.Close()
	ctx := context.Background()

	if err := f.worker.EnsureResident(ctx, "sdxl-turbo", domain.ModeDedicated); err != nil {
		t.Fatalf("EnsureResident = %v", err)
	}
	if err := f.worker.EnsureResident(ctx, "sdxl-turbo", domain.ModeDedicated); err != nil {
		t.Fatalf("EnsureResident repeat = %v", err)
	}

	// The warm pipeline is never unloaded to serve its own model again.
	if calls := f.runtime.Calls(); len(calls) != 1 {
		t.Errorf("calls = %v, want the second request to be a no-op", calls)
	}
}

func TestEnsureResidentSwitchOrdering(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()

	if err := f.worker.EnsureResident(ctx, "sdxl-turbo", domain.ModeDedicated); err != nil {
		t.Fatalf("EnsureResident = %v", err)
	}
	if err := f.worker.EnsureResident(ctx, "wan-vace-14b", domain.ModeDegradedShared); err != nil {
		t.Fatalf("EnsureResident switch = %v", err)
	}

	want := []string{"load:sdxl-turbo", "release:sdxl-turbo", "cleanup", "load:wan-vace-14b"}
	calls := f.runtime.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (full: %v)", i, calls[i], want[i], calls)
		}
	}

	// The switch emits a memory_cleanup diagnostic carrying the freed MB.
	f.emitter.Close()
	events := f.sink.EventsOfType(domain.EventMemoryCleanup)
	if len(events) != 1 {
		t.Fatalf("memory_cleanup events = %d, want 1", len(events))
	}
	if events[0].Model != "sdxl-turbo" {
		t.Errorf("cleanup event model = %s, want the released model", events[0].Model)
	}
	if events[0].Value != "8192.0" {
		t.Errorf("cleanup event value = %q, want freed MB", events[0].Value)
	}
}

func TestHandleDispatchHappyPath(t *testing.T) {
	f := newWorkerFixture()
	defer f.emitter.Close()
	f.seedPending(t, "task-1", "sdxl-turbo", domain.TaskKindImage)

	err := f.worker.handleDispatch(&domain.DispatchEnvelope{
		TaskID: "task-1",
		Model:  "sdxl-turbo",
		Kind:   domain.TaskKindImage,
		Mode:   domain.ModeDedicated,
	})
	if err != nil {
		t.Fatalf("handleDispatch = %v", err)
	}

	task, _ := f.store.GetByID(context.Background(), "task-1")
	if task.Status != domain.TaskStatusProcessing {
		t.Errorf("status = %s, want processing until the report is applied", task.Status)
	}
	if task.Progress != 90 {
		t.Errorf("progress = %d, want 90 from the last callback", task.Progress)
	}

	if len(f.publisher.reports) != 1 {
		t.Fatalf("published reports = %d, want 1", len(f.publisher.reports))
	}
	report := f.publisher.reports[0]
	if !report.Succeeded || report.ResultLocation != "results/task-1.png" {
		t.Errorf("report = %+v, want success with result location", report)
	}
}

func TestHandleDispatchGenerationFailure(t *testing.T) {
	f := newWorkerFixture()
	defer f.emitter.Close()
	f.seedPending(t, "task-1", "sdxl-turbo", domain.TaskKindImage)
	f.runtime.genErr = errors.New("CUDA out of memory")

	err := f.worker.handleDispatch(&domain.DispatchEnvelope{
		TaskID: "task-1",
		Model:  "sdxl-turbo",
		Kind:   domain.TaskKindImage,
		Mode:   domain.ModeDegradedShared,
	})
	// Generation failure is terminal for the task, not the consumer.
	if err != nil {
		t.Fatalf("handleDispatch = %v, want nil", err)
	}

	if len(f.publisher.reports) != 1 {
		t.Fatalf("published reports = %d, want 1", len(f.publisher.reports))
	}
	report := f.publisher.reports[0]
	if report.Succeeded || report.ErrorMessage != "CUDA out of memory" {
		t.Errorf("report = %+v, want failure with the runtime error", report)
	}
	if report.Mode != domain.ModeDegradedShared {
		t.Errorf("report mode = %s, want degraded_shared carried through", report.Mode)
	}
}

func TestHandleDispatchLoadFailure(t *testing.T) {
	f := newWorkerFixture()
	defer f.emitter.Close()
	f.seedPending(t, "task-1", "sdxl-turbo", domain.TaskKindImage)
	f.runtime.loadErr = errors.New("weights missing")

	err := f.worker.handleDispatch(&domain.DispatchEnvelope{
		TaskID: "task-1",
		Model:  "sdxl-turbo",
		Kind:   domain.TaskKindImage,
		Mode:   domain.ModeDedicated,
	})
	// The failure is reported on the completion channel; returning an
	// error too would requeue the envelope and run the task again after
	// it was already reported failed.
	if err != nil {
		t.Fatalf("handleDispatch = %v, want nil after the failure report", err)
	}

	if len(f.publisher.reports) != 1 || f.publisher.reports[0].Succeeded {
		t.Errorf("reports = %+v, want one failure report", f.publisher.reports)
	}
}

func TestHandleDispatchSkipsTerminalTask(t *testing.T) {
	f := newWorkerFixture()
	defer f.emitter.Close()
	f.seedPending(t, "task-1", "sdxl-turbo", domain.TaskKindImage)

	// The reaper force-failed the task before the envelope arrived.
	if err := f.store.MarkProcessing(context.Background(), "task-1", time.Now()); err != nil {
		t.Fatalf("MarkProcessing = %v", err)
	}
	if applied, err := f.store.Fail(context.Background(), "task-1", "generation timed out"); err != nil || !applied {
		t.Fatalf("Fail = (%v, %v), want applied", applied, err)
	}

	err := f.worker.handleDispatch(&domain.DispatchEnvelope{
		TaskID: "task-1",
		Model:  "sdxl-turbo",
		Kind:   domain.TaskKindImage,
		Mode:   domain.ModeDedicated,
	})
	if err != nil {
		t.Fatalf("handleDispatch = %v, want terminal task acked quietly", err)
	}

	if calls := f.runtime.Calls(); len(calls) != 0 {
		t.Errorf("runtime calls = %v, want none for a terminal task", calls)
	}
	if len(f.publisher.reports) != 0 {
		t.Errorf("published reports = %+v, want none for a terminal task", f.publisher.reports)
	}
}
