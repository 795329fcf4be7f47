package models

import "time"

// StatusEventType identifies the kind of status event.
type StatusEventType string

const (
	// EventStatusChanged fires on every connection state transition.
	EventStatusChanged StatusEventType = "status.changed"

	// EventPairingReady fires when a fresh pairing artifact is available
	// for the end user to scan.
	EventPairingReady StatusEventType = "pairing.ready"

	// EventFatalError fires when an agent lands in a terminal state that
	// requires user action.
	EventFatalError StatusEventType = "fatal.error"
)

// StatusEvent is pushed to the event sink on agent state changes. The core
// is transport-agnostic; a collaborator fans these out to live clients.
type StatusEvent struct {
	ID        string           `json:"id"`
	Type      StatusEventType  `json:"type"`
	AgentID   string           `json:"agent_id"`
	Status    ConnectionStatus `json:"status"`
	Detail    string           `json:"detail,omitempty"`
	Timestamp time.Time        `json:"timestamp"`

	// Cause is the classified disconnect cause when the transition was
	// driven by a connection failure, empty otherwise.
	Cause string `json:"cause,omitempty"`

	// Pairing carries the artifact payload on EventPairingReady.
	Pairing *PairingArtifact `json:"pairing,omitempty"`
}

// PairingArtifact is the short-lived code presented to the end user to
// authorize a new session. Never reused once consumed or expired.
type PairingArtifact struct {
	Code      string    `json:"code"`
	PNG       []byte    `json:"png,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the artifact is past its TTL.
func (p *PairingArtifact) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
