// Package memory provides in-memory implementations of the persistence
// ports, used in tests and single-process setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
)

// TaskStore is an in-memory task store with the same sticky-terminal
// semantics as the postgres adapter.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*domain.Task)}
}

func (s *TaskStore) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *TaskStore) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (s *TaskStore) MarkProcessing(_ context.Context, id string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if task.Status != domain.TaskStatusPending {
		return nil
	}
	task.Status = domain.TaskStatusProcessing
	task.StartedAt = &startedAt
	task.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) UpdateProgress(_ context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if task.Status != domain.TaskStatusProcessing {
		return nil
	}
	task.Progress = progress
	task.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) Complete(_ context.Context, id, resultLocation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, domain.ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	task.Status = domain.TaskStatusDone
	task.ResultLocation = resultLocation
	task.Progress = 100
	task.FinishedAt = &now
	task.UpdatedAt = now
	return true, nil
}

func (s *TaskStore) Fail(_ context.Context, id, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return false, domain.ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	task.Status = domain.TaskStatusFailed
	task.ErrorMessage = errorMessage
	task.FinishedAt = &now
	task.UpdatedAt = now
	return true, nil
}

func (s *TaskStore) ListProcessing(_ context.Context) ([]*domain.Task, error) {
	return s.list(func(t *domain.Task) bool {
		return t.Status == domain.TaskStatusProcessing
	}), nil
}

func (s *TaskStore) ListPending(_ context.Context, model string) ([]*domain.Task, error) {
	return s.list(func(t *domain.Task) bool {
		if t.Status != domain.TaskStatusPending {
			return false
		}
		return model == "" || t.Model == model
	}), nil
}

func (s *TaskStore) list(match func(*domain.Task) bool) []*domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, task := range s.tasks {
		if match(task) {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// EventSink is an in-memory diagnostics sink that records every event.
type EventSink struct {
	mu     sync.Mutex
	events []domain.MemoryDiagnosticEvent
}

func NewEventSink() *EventSink {
	return &EventSink{}
}

func (s *EventSink) Record(_ context.Context, event domain.MemoryDiagnosticEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything recorded so far.
func (s *EventSink) Events() []domain.MemoryDiagnosticEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MemoryDiagnosticEvent, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType filters recorded events by type.
func (s *EventSink) EventsOfType(t domain.DiagnosticEventType) []domain.MemoryDiagnosticEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MemoryDiagnosticEvent
	for _, ev := range s.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}
