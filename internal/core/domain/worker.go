package domain

import "time"

type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "ACTIVE"
	WorkerStatusInactive WorkerStatus = "INACTIVE"
	WorkerStatusDraining WorkerStatus = "DRAINING"
)

// Worker represents a GPU inference worker independent of the specific
// runtime implementation. Lanes lists the heavy models this worker can
// serve as dedicated lanes; SharedCapable marks it eligible for
// degraded_shared dispatch.
type Worker struct {
	ID            string       `json:"id"`
	Hostname      string       `json:"hostname"`
	Lanes         []string     `json:"lanes"`
	SharedCapable bool         `json:"shared_capable"`
	ResidentModel string       `json:"resident_model,omitempty"`
	TotalMemoryMB float64      `json:"total_memory_mb"`
	UsedMemoryMB  float64      `json:"used_memory_mb"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// FreeMemoryMB returns free GPU memory in MB.
func (w *Worker) FreeMemoryMB() float64 {
	return w.TotalMemoryMB - w.UsedMemoryMB
}

// ServesLane reports whether the worker advertises a dedicated lane for
// the model.
func (w *Worker) ServesLane(model string) bool {
	for _, lane := range w.Lanes {
		if lane == model {
			return true
		}
	}
	return false
}
