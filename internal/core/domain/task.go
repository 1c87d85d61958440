package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

type TaskKind string

const (
	TaskKindVideo TaskKind = "video"
	TaskKindImage TaskKind = "image"
)

// Stale TTLs per task kind. A processing task older than this is
// force-failed by the reaper.
const (
	StaleImageTTL = 10 * time.Minute
	StaleVideoTTL = 30 * time.Minute
)

// StaleTTL returns the processing time-to-live for the kind.
func (k TaskKind) StaleTTL() time.Duration {
	if k == TaskKindImage {
		return StaleImageTTL
	}
	return StaleVideoTTL
}

// Task represents one generation request's lifecycle record.
// Status transitions are monotonic: pending -> processing -> done|failed.
// Once terminal the record is immutable.
type Task struct {
	ID             string          `json:"id"`
	Model          string          `json:"model"`
	Kind           TaskKind        `json:"kind"`
	Parameters     json.RawMessage `json:"parameters"`
	Status         TaskStatus      `json:"status"`
	Progress       int             `json:"progress"` // 0-100
	ErrorMessage   string          `json:"error_message,omitempty"`
	ResultLocation string          `json:"result_location,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// StaleBy reports whether a processing task has outlived its kind's TTL at
// the given instant. Tasks that never started cannot be stale.
func (t *Task) StaleBy(now time.Time) bool {
	if t.Status != TaskStatusProcessing || t.StartedAt == nil {
		return false
	}
	return now.Sub(*t.StartedAt) > t.Kind.StaleTTL()
}
