package postgres

import (
	"context"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/port"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type eventSink struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// NewEventSink creates the append-only diagnostic event sink.
func NewEventSink(db *pgxpool.Pool, log *zap.Logger) port.DiagnosticsSink {
	return &eventSink{db: db, log: log}
}

func (s *eventSink) Record(ctx context.Context, event domain.MemoryDiagnosticEvent) error {
	query := `
		INSERT INTO diagnostic_events (event_type, task_id, model, lane_mode, value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.Exec(ctx, query,
		event.EventType, nullable(event.TaskID), nullable(event.Model),
		event.LaneMode, nullable(event.Value), nullable(string(event.Reason)),
		event.Timestamp)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
