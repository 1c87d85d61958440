package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// LaneRegistry tracks, per heavy model, the dedicated execution lane's
// availability and routing mode. All mutation happens through health-check
// and capacity callbacks; the request path only ever reads via Resolve.
// Every transition is atomic under the registry lock.
type LaneRegistry struct {
	mu    sync.RWMutex
	lanes map[string]*laneState

	probeGrace      time.Duration
	assignmentGrace time.Duration

	emitter *DiagnosticsEmitter
	log     *zap.Logger
	now     func() time.Time
}

type laneState struct {
	lane domain.Lane

	// probeFailingSince is the start of the current uninterrupted run of
	// probe failures; zero while the lane probes healthy.
	probeFailingSince time.Time
}

func NewLaneRegistry(models []string, emitter *DiagnosticsEmitter, log *zap.Logger) *LaneRegistry {
	r := &LaneRegistry{
		lanes:           make(map[string]*laneState, len(models)),
		probeGrace:      domain.ProbeFailureGrace,
		assignmentGrace: domain.AssignmentGrace,
		emitter:         emitter,
		log:             log,
		now:             time.Now,
	}
	for _, model := range models {
		r.lanes[model] = &laneState{lane: domain.Lane{
			LaneKey:      model,
			Mode:         domain.ModeDedicated,
			Availability: domain.LaneCold,
			UpdatedAt:    r.now(),
		}}
	}
	return r
}

// Resolve returns the current lane snapshot for the model. Read-only and
// side-effect-free from the caller's perspective.
func (r *LaneRegistry) Resolve(model string) (domain.Lane, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.lanes[model]
	if !ok {
		return domain.Lane{}, fmt.Errorf("no lane registered for model %q: %w", model, domain.ErrUnknownModel)
	}
	return st.lane, nil
}

// Lanes returns a snapshot of every registered lane.
func (r *LaneRegistry) Lanes() []domain.Lane {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Lane, 0, len(r.lanes))
	for _, st := range r.lanes {
		out = append(out, st.lane)
	}
	return out
}

// ReportProbeSuccess records a healthy probe. An unavailable lane
// recovers to ready, and a degraded lane whose capacity is confirmed
// restores dedicated routing.
func (r *LaneRegistry) ReportProbeSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok {
		return
	}
	st.probeFailingSince = time.Time{}

	if st.lane.Availability != domain.LaneReady {
		st.lane.Availability = domain.LaneReady
		st.lane.Warm = true
		st.lane.UpdatedAt = r.now()
		r.log.Info("Lane ready", zap.String("lane", model))
	}
	if st.lane.Mode == domain.ModeDegradedShared {
		st.lane.Mode = domain.ModeDedicated
		st.lane.FallbackReason = ""
		st.lane.UpdatedAt = r.now()
		r.log.Info("Lane restored to dedicated routing", zap.String("lane", model))
	}
}

// ReportProbeFailure records a failed health probe. The lane only drops
// to unavailable once failures have been sustained past the grace period.
func (r *LaneRegistry) ReportProbeFailure(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok {
		return
	}
	now := r.now()
	if st.probeFailingSince.IsZero() {
		st.probeFailingSince = now
		return
	}
	if now.Sub(st.probeFailingSince) < r.probeGrace {
		return
	}
	r.markUnavailableLocked(st, domain.FallbackCapacity)
}

// DenyCapacity is the capacity-denial callback: the lane goes unavailable
// immediately and routing falls back to degraded_shared.
func (r *LaneRegistry) DenyCapacity(model string) {
	r.deny(model, domain.FallbackCapacity)
}

// DenyQuota is the quota-denial callback.
func (r *LaneRegistry) DenyQuota(model string) {
	r.deny(model, domain.FallbackQuota)
}

// ForceFallback switches a lane to degraded_shared routing by operator
// request without touching availability.
func (r *LaneRegistry) ForceFallback(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok {
		return
	}
	r.activateFallbackLocked(st, domain.FallbackManual)
}

func (r *LaneRegistry) deny(model string, reason domain.FallbackReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok {
		return
	}
	r.markUnavailableLocked(st, reason)
}

// ReportAssignmentDelay is called when a dedicated request has waited
// without a lane assignment. Past the assignment grace period the lane
// cannot be guaranteed, so routing falls back.
func (r *LaneRegistry) ReportAssignmentDelay(model string, waited time.Duration) {
	if waited < r.assignmentGrace {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok {
		return
	}
	r.activateFallbackLocked(st, domain.FallbackCapacity)
}

// MarkCold records idle eviction or autoscale-down of a ready lane.
func (r *LaneRegistry) MarkCold(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok || st.lane.Availability != domain.LaneReady {
		return
	}
	st.lane.Availability = domain.LaneCold
	st.lane.Warm = false
	st.lane.UpdatedAt = r.now()
	r.log.Info("Lane evicted to cold", zap.String("lane", model))
}

// NoteStall releases lane accounting for a reaped task: the lane's warm
// guarantee no longer holds and the next probe must re-confirm it.
func (r *LaneRegistry) NoteStall(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.lanes[model]
	if !ok || st.lane.Availability == domain.LaneUnavailable {
		return
	}
	st.lane.Availability = domain.LaneCold
	st.lane.Warm = false
	st.lane.UpdatedAt = r.now()
	r.log.Warn("Lane marked cold after stalled task", zap.String("lane", model))
}

func (r *LaneRegistry) markUnavailableLocked(st *laneState, reason domain.FallbackReason) {
	if st.lane.Availability != domain.LaneUnavailable {
		st.lane.Availability = domain.LaneUnavailable
		st.lane.Warm = false
		st.lane.UpdatedAt = r.now()
		r.log.Warn("Lane unavailable",
			zap.String("lane", st.lane.LaneKey),
			zap.String("reason", string(reason)))
	}
	r.activateFallbackLocked(st, reason)
}

func (r *LaneRegistry) activateFallbackLocked(st *laneState, reason domain.FallbackReason) {
	if st.lane.Mode == domain.ModeDegradedShared {
		return
	}
	st.lane.Mode = domain.ModeDegradedShared
	st.lane.FallbackReason = reason
	st.lane.UpdatedAt = r.now()

	r.log.Warn("Fallback activated",
		zap.String("lane", st.lane.LaneKey),
		zap.String("reason", string(reason)))
	r.emitter.Emit(domain.MemoryDiagnosticEvent{
		EventType: domain.EventFallbackActivated,
		Model:     st.lane.LaneKey,
		LaneMode:  domain.ModeDegradedShared,
		Reason:    reason,
	})
}
