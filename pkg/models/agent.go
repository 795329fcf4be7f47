// Package models provides domain types shared across the Flotilla fleet core.
package models

import "time"

// ConnectionStatus represents the lifecycle state of an agent's connection
// to the messaging network.
type ConnectionStatus string

const (
	StatusDisconnected   ConnectionStatus = "disconnected"
	StatusConnecting     ConnectionStatus = "connecting"
	StatusPairingPending ConnectionStatus = "pairing_pending"
	StatusConnected      ConnectionStatus = "connected"
	StatusReconnecting   ConnectionStatus = "reconnecting"
	StatusConflict       ConnectionStatus = "conflict"
	StatusError          ConnectionStatus = "error"
)

// Terminal reports whether the status requires external action (re-pair or
// cooldown expiry) before the agent can connect again.
func (s ConnectionStatus) Terminal() bool {
	return s == StatusConflict || s == StatusError
}

// Agent is one tenant's managed connection to the messaging network.
// Rows are created on tenant onboarding and never deleted while the tenant
// exists; the lifecycle manager only transitions status fields.
type Agent struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number,omitempty"`

	Status           ConnectionStatus `json:"status"`
	AssignedInstance string           `json:"assigned_instance,omitempty"`
	IsActive         bool             `json:"is_active"`

	// Credentials is the durable copy of the session credential blob,
	// opaque to everything except the network transport.
	Credentials []byte `json:"-"`

	LastError         string     `json:"last_error,omitempty"`
	LastHeartbeat     time.Time  `json:"last_heartbeat"`
	NeedsReconnection bool       `json:"needs_reconnection"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InCooldown reports whether the agent is still inside a post-failure
// cooldown window at the given instant.
func (a *Agent) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && now.Before(*a.CooldownUntil)
}
