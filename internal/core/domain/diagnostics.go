package domain

import "time"

type DiagnosticEventType string

const (
	EventMemoryCleanup        DiagnosticEventType = "memory_cleanup"
	EventMemoryPostGeneration DiagnosticEventType = "memory_post_generation"
	EventFallbackActivated    DiagnosticEventType = "fallback_activated"
	EventQueueTimeout         DiagnosticEventType = "queue_timeout"
	EventQueueOverloaded      DiagnosticEventType = "queue_overloaded"
)

// MemoryDiagnosticEvent is an append-only operational record. Reason is
// required when EventType is fallback_activated.
type MemoryDiagnosticEvent struct {
	EventType DiagnosticEventType `json:"event_type"`
	TaskID    string              `json:"task_id,omitempty"`
	Model     string              `json:"model,omitempty"`
	LaneMode  LaneMode            `json:"lane_mode"`
	Value     string              `json:"value,omitempty"` // allocated MB, queue depth, wait seconds
	Reason    FallbackReason      `json:"reason,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}
