package models

import "time"

// InstanceRecord describes one running copy of the service within the fleet.
// Records are created on process start, refreshed on every heartbeat, and
// expire out of the coordination store when heartbeats stop. An expired
// record is how the rest of the fleet detects a dead instance.
type InstanceRecord struct {
	ID            string    `json:"id"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	AssignedCount int       `json:"assigned_count"`
	Capacity      int       `json:"capacity"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Load returns the assigned/capacity ratio used for load balancing.
// A zero-capacity instance is treated as fully loaded.
func (r *InstanceRecord) Load() float64 {
	if r.Capacity <= 0 {
		return 1
	}
	return float64(r.AssignedCount) / float64(r.Capacity)
}

// Expired reports whether the record's heartbeat is older than ttl.
func (r *InstanceRecord) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.LastHeartbeat) > ttl
}
