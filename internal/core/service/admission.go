package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crabzie/GPU-Lane-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

var (
	// ErrQueueDepthExceeded means admitting the request would exceed the
	// degraded queue's maximum depth.
	ErrQueueDepthExceeded = errors.New("degraded queue depth exceeded")

	// ErrQueueWaitExpired means the request was admitted but waited the
	// maximum time without beginning execution.
	ErrQueueWaitExpired = errors.New("degraded queue wait expired")
)

// AdmissionController is the bounded-queue gatekeeper for degraded_shared
// mode. Depth accounting and the admit/reject decision are a single
// atomic unit under the mutex; two concurrent admissions can never both
// slip past MaxDepth. Waits are bounded by the policy and cancellable,
// and a freed execution slot grants the longest waiter immediately.
// Slots are owned by task ID: releasing a task that holds no slot is a
// no-op, so the reaper and a late worker report cannot double-release.
type AdmissionController struct {
	mu      sync.Mutex
	policy  domain.DegradedQueuePolicy
	free    int // shared execution slots currently free
	held    map[string]struct{}
	waiting []*admissionSlot
	log     *zap.Logger
	now     func() time.Time
}

type admissionSlot struct {
	taskID     string
	enqueuedAt time.Time
	granted    chan struct{}
}

// NewAdmissionController creates the controller with the given number of
// shared execution slots (one per shared-capable worker).
func NewAdmissionController(policy domain.DegradedQueuePolicy, slots int, log *zap.Logger) *AdmissionController {
	if slots < 1 {
		slots = 1
	}
	return &AdmissionController{
		policy: policy,
		free:   slots,
		held:   make(map[string]struct{}),
		log:    log,
		now:    time.Now,
	}
}

// TryAdmit admits one request into degraded mode. It returns nil when the
// request holds a shared execution slot, ErrQueueDepthExceeded when the
// queue is full, ErrQueueWaitExpired after MaxWait without a slot, or the
// context error when the caller gives up.
func (a *AdmissionController) TryAdmit(ctx context.Context, taskID string) error {
	a.mu.Lock()
	if a.free > 0 {
		a.free--
		a.held[taskID] = struct{}{}
		a.mu.Unlock()
		return nil
	}
	if len(a.waiting) >= a.policy.MaxDepth {
		depth := len(a.waiting)
		a.mu.Unlock()
		a.log.Warn("Degraded queue overloaded",
			zap.String("task_id", taskID),
			zap.Int("depth", depth),
			zap.Int("max_depth", a.policy.MaxDepth))
		return ErrQueueDepthExceeded
	}
	slot := &admissionSlot{
		taskID:     taskID,
		enqueuedAt: a.now(),
		granted:    make(chan struct{}),
	}
	a.waiting = append(a.waiting, slot)
	a.mu.Unlock()

	timer := time.NewTimer(a.policy.MaxWait)
	defer timer.Stop()

	select {
	case <-slot.granted:
		return nil
	case <-timer.C:
		if a.removeWaiter(slot) {
			a.log.Warn("Degraded queue wait expired",
				zap.String("task_id", taskID),
				zap.Duration("max_wait", a.policy.MaxWait))
			return ErrQueueWaitExpired
		}
		// Grant raced the timer; the slot is ours.
		return nil
	case <-ctx.Done():
		if a.removeWaiter(slot) {
			return ctx.Err()
		}
		// Granted before cancellation landed; hand the slot back.
		a.Release(slot.taskID)
		return ctx.Err()
	}
}

// Release returns the shared execution slot held by the task. A task that
// holds no slot (never admitted, or already released by the other side of
// the terminal race) is a no-op, so slot accounting cannot drift past the
// configured capacity. The longest waiter, if any, is granted the freed
// slot immediately; otherwise it goes back to the free pool.
func (a *AdmissionController) Release(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.held[taskID]; !ok {
		return
	}
	delete(a.held, taskID)

	for len(a.waiting) > 0 {
		slot := a.waiting[0]
		a.waiting = a.waiting[1:]
		a.held[slot.taskID] = struct{}{}
		close(slot.granted)
		return
	}
	a.free++
}

// Depth returns the number of admitted-but-not-started requests.
func (a *AdmissionController) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiting)
}

// removeWaiter detaches a slot from the queue. It returns false when the
// slot was already granted and therefore no longer queued.
func (a *AdmissionController) removeWaiter(slot *admissionSlot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.waiting {
		if s == slot {
			a.waiting = append(a.waiting[:i], a.waiting[i+1:]...)
			return true
		}
	}
	return false
}
