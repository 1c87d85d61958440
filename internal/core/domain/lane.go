package domain

import "time"

type LaneAvailability string

const (
	LaneReady       LaneAvailability = "ready"
	LaneCold        LaneAvailability = "cold"
	LaneUnavailable LaneAvailability = "unavailable"
)

type LaneMode string

const (
	ModeDedicated      LaneMode = "dedicated"
	ModeDegradedShared LaneMode = "degraded_shared"
)

type FallbackReason string

const (
	FallbackCapacity FallbackReason = "capacity"
	FallbackQuota    FallbackReason = "quota"
	FallbackManual   FallbackReason = "manual"
)

// Lane is the per-heavy-model dedicated residency slot on a GPU worker.
// In dedicated mode a lane serves exactly one model; it is never asked to
// host a second heavy model concurrently. Lanes are created at process
// start and only ever transitioned, never destroyed.
type Lane struct {
	LaneKey        string           `json:"lane_key"` // model identifier
	Mode           LaneMode         `json:"mode"`
	Warm           bool             `json:"warm"`
	Availability   LaneAvailability `json:"availability"`
	FallbackReason FallbackReason   `json:"fallback_reason,omitempty"` // set iff mode is degraded_shared
	UpdatedAt      time.Time        `json:"updated_at"`
}

// DegradedQueuePolicy holds the immutable admission limits for
// degraded_shared mode. Loaded once, process-wide constant.
type DegradedQueuePolicy struct {
	MaxDepth     int
	MaxWait      time.Duration
	OverflowCode string
}

// DefaultDegradedQueuePolicy returns the fixed policy values.
func DefaultDegradedQueuePolicy() DegradedQueuePolicy {
	return DegradedQueuePolicy{
		MaxDepth:     25,
		MaxWait:      30 * time.Second,
		OverflowCode: "queue_overloaded",
	}
}

// Lane state-machine grace periods.
const (
	// ProbeFailureGrace is how long health-probe failures must be
	// sustained before a lane transitions to unavailable.
	ProbeFailureGrace = 60 * time.Second

	// AssignmentGrace is how long a dedicated request may sit unassigned
	// before the lane's routing mode falls back to degraded_shared.
	// Independent of DegradedQueuePolicy.MaxWait.
	AssignmentGrace = 30 * time.Second
)
