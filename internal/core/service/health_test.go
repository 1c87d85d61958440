package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/adapter/storage/memory"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// fakeCoordinator serves canned worker state to the health watcher.
type fakeCoordinator struct {
	workers []*domain.Worker
	err     error
}

func (c *fakeCoordinator) RegisterWorker(context.Context, *domain.Worker) error { return nil }

func (c *fakeCoordinator) ActiveWorkers(context.Context) ([]*domain.Worker, error) {
	return c.workers, c.err
}

func (c *fakeCoordinator) LaneServed(_ context.Context, model string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	for _, w := range c.workers {
		if w.ServesLane(model) {
			return true, nil
		}
	}
	return false, nil
}

type fakeMonitor struct {
	usedMB  float64
	totalMB float64
	err     error
}

func (m *fakeMonitor) WorkerMemory(context.Context, string) (float64, float64, error) {
	return m.usedMB, m.totalMB, m.err
}

func newWatcherFixture(coordinator *fakeCoordinator, monitor *fakeMonitor, minFreeMB float64) (*LaneHealthWatcher, *LaneRegistry, *memory.TaskStore, *DiagnosticsEmitter) {
	emitter := NewDiagnosticsEmitter(memory.NewEventSink(), 64, zap.NewNop())
	registry := NewLaneRegistry([]string{"sdxl-turbo"}, emitter, zap.NewNop())
	store := memory.NewTaskStore()
	watcher := NewLaneHealthWatcher([]string{"sdxl-turbo"}, registry, coordinator, monitor, store, minFreeMB, zap.NewNop())
	return watcher, registry, store, emitter
}

func TestWatcherReadiesServedLane(t *testing.T) {
	coordinator := &fakeCoordinator{workers: []*domain.Worker{{
		ID:            "worker-1",
		Lanes:         []string{"sdxl-turbo"},
		TotalMemoryMB: 24576,
	}}}
	monitor := &fakeMonitor{usedMB: 8192, totalMB: 24576}
	watcher, registry, _, emitter := newWatcherFixture(coordinator, monitor, 4096)
	defer emitter.Close()

	watcher.ProbeOnce(context.Background())

	lane, _ := registry.Resolve("sdxl-turbo")
	if lane.Availability != domain.LaneReady || lane.Mode != domain.ModeDedicated {
		t.Errorf("lane = %+v, want ready dedicated after healthy probe", lane)
	}
}

func TestWatcherDeniesCapacityOnLowHeadroom(t *testing.T) {
	coordinator := &fakeCoordinator{workers: []*domain.Worker{{
		ID:            "worker-1",
		Lanes:         []string{"sdxl-turbo"},
		TotalMemoryMB: 24576,
	}}}
	// 2 GB free with a 4 GB floor.
	monitor := &fakeMonitor{usedMB: 22528, totalMB: 24576}
	watcher, registry, _, emitter := newWatcherFixture(coordinator, monitor, 4096)
	defer emitter.Close()

	watcher.ProbeOnce(context.Background())

	lane, _ := registry.Resolve("sdxl-turbo")
	if lane.Availability != domain.LaneUnavailable {
		t.Errorf("availability = %s, want unavailable on exhausted headroom", lane.Availability)
	}
	if lane.Mode != domain.ModeDegradedShared || lane.FallbackReason != domain.FallbackCapacity {
		t.Errorf("lane = %+v, want degraded with capacity reason", lane)
	}
}

func TestWatcherAssignmentDelayTriggersFallback(t *testing.T) {
	coordinator := &fakeCoordinator{workers: []*domain.Worker{{
		ID:    "worker-1",
		Lanes: []string{"sdxl-turbo"},
	}}}
	monitor := &fakeMonitor{usedMB: 0, totalMB: 24576}
	watcher, registry, store, emitter := newWatcherFixture(coordinator, monitor, 4096)
	defer emitter.Close()

	// A pending task older than the assignment grace period.
	if err := store.Create(context.Background(), &domain.Task{
		ID:        "stuck-task",
		Model:     "sdxl-turbo",
		Kind:      domain.TaskKindImage,
		Status:    domain.TaskStatusPending,
		CreatedAt: time.Now().Add(-domain.AssignmentGrace - time.Second),
	}); err != nil {
		t.Fatalf("Create = %v", err)
	}

	watcher.ProbeOnce(context.Background())

	lane, _ := registry.Resolve("sdxl-turbo")
	if lane.Mode != domain.ModeDegradedShared {
		t.Errorf("mode = %s, want degraded_shared after assignment delay", lane.Mode)
	}
}

func TestWatcherToleratesMonitorFailure(t *testing.T) {
	coordinator := &fakeCoordinator{workers: []*domain.Worker{{
		ID:    "worker-1",
		Lanes: []string{"sdxl-turbo"},
	}}}
	monitor := &fakeMonitor{err: errors.New("prometheus unreachable")}
	watcher, registry, _, emitter := newWatcherFixture(coordinator, monitor, 4096)
	defer emitter.Close()

	watcher.ProbeOnce(context.Background())

	// Telemetry loss alone is not a capacity denial.
	lane, _ := registry.Resolve("sdxl-turbo")
	if lane.Availability != domain.LaneReady {
		t.Errorf("availability = %s, want ready despite monitor failure", lane.Availability)
	}
}
