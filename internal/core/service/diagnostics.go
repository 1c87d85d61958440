package service

import (
	"context"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"go.uber.org/zap"
)

// recordTimeout bounds a single sink write so a stalled sink cannot back
// up the drain loop indefinitely.
const recordTimeout = 2 * time.Second

// DiagnosticsEmitter forwards operational events to a sink without ever
// blocking the dispatch path. Events are buffered on a channel; when the
// buffer is full the event is dropped and counted, never waited on.
type DiagnosticsEmitter struct {
	sink   port.DiagnosticsSink
	log    *zap.Logger
	events chan domain.MemoryDiagnosticEvent
	done   chan struct{}
	now    func() time.Time
}

func NewDiagnosticsEmitter(sink port.DiagnosticsSink, buffer int, log *zap.Logger) *DiagnosticsEmitter {
	if buffer <= 0 {
		buffer = 256
	}
	e := &DiagnosticsEmitter{
		sink:   sink,
		log:    log,
		events: make(chan domain.MemoryDiagnosticEvent, buffer),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go e.drain()
	return e
}

// Emit enqueues an event. It never blocks and never returns an error;
// recording failures must not affect task state or routing decisions.
func (e *DiagnosticsEmitter) Emit(event domain.MemoryDiagnosticEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	select {
	case e.events <- event:
	default:
		e.log.Warn("Diagnostic buffer full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("task_id", event.TaskID))
	}
}

func (e *DiagnosticsEmitter) drain() {
	defer close(e.done)
	for event := range e.events {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := e.sink.Record(ctx, event); err != nil {
			e.log.Warn("Failed to record diagnostic event",
				zap.String("event_type", string(event.EventType)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close flushes buffered events and stops the drain loop.
func (e *DiagnosticsEmitter) Close() {
	close(e.events)
	<-e.done
}
