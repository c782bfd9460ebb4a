package models

import "time"

// WorkerInfo is the status a worker maintains about itself in the
// coordination store. The owning worker is the only writer; everyone else
// reads. Rows expire by TTL without explicit deletion.
type WorkerInfo struct {
	ID               string       `json:"id"`
	Endpoint         string       `json:"endpoint"`
	Capabilities     []Capability `json:"capabilities"`
	Available        bool         `json:"available"`
	CurrentSubTaskID string       `json:"current_subtask_id,omitempty"`
	CPUPct           float64      `json:"cpu_pct"`
	MemPct           float64      `json:"mem_pct"`
	CompletedCount   int          `json:"completed_count"`
	LastHeartbeatAt  time.Time    `json:"last_heartbeat_at"`
}

// IsLive reports whether the worker's last heartbeat falls within the
// liveness window. Dead workers must never be selected for dispatch.
func (w *WorkerInfo) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastHeartbeatAt) <= window
}

// HasCapability reports whether the worker advertises the capability.
func (w *WorkerInfo) HasCapability(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CoversAll reports whether the worker's capability set is a superset of
// required.
func (w *WorkerInfo) CoversAll(required []Capability) bool {
	for _, c := range required {
		if !w.HasCapability(c) {
			return false
		}
	}
	return true
}

// Intersects reports whether the worker can handle at least one required
// capability.
func (w *WorkerInfo) Intersects(required []Capability) bool {
	for _, c := range required {
		if w.HasCapability(c) {
			return true
		}
	}
	return false
}
