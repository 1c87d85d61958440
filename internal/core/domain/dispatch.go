package domain

import (
	"encoding/json"
	"time"
)

// DispatchEnvelope is the wire payload sent to a GPU worker when a task
// is dispatched to a lane.
type DispatchEnvelope struct {
	TaskID     string          `json:"task_id"`
	Model      string          `json:"model"`
	Kind       TaskKind        `json:"kind"`
	Mode       LaneMode        `json:"mode"`
	Parameters json.RawMessage `json:"parameters"`
}

// CompletionReport is the worker's terminal report for one task. The
// scheduler applies it against the task store; applying a report to an
// already-terminal task is a no-op, not an error.
type CompletionReport struct {
	TaskID         string   `json:"task_id"`
	Model          string   `json:"model"`
	Mode           LaneMode `json:"mode"`
	Succeeded      bool     `json:"succeeded"`
	ResultLocation string   `json:"result_location,omitempty"`
	ErrorMessage   string   `json:"error_message,omitempty"`
	AllocatedMB    float64  `json:"allocated_mb,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}
