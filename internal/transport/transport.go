// Package transport abstracts the external real-time messaging network.
// The lifecycle manager and its tests depend only on the Dialer and Conn
// interfaces; the production implementation wraps whatsmeow.
package transport

import (
	"context"
	"time"

	"github.com/haasonsaas/flotilla/pkg/models"
)

// Cause classifies why a connection attempt or a live connection ended.
// The lifecycle manager keys its entire retry policy off this value.
type Cause int

const (
	// CauseUnknown is an unclassified failure; treated as recoverable.
	CauseUnknown Cause = iota

	// CauseFatalAuth means the session was invalidated remotely (logged
	// out, banned, credentials revoked). Credentials are worthless.
	CauseFatalAuth

	// CauseConflict means another session took over the account.
	CauseConflict

	// CausePreAuth means the connection failed before any session was
	// established; there is nothing to tear down.
	CausePreAuth

	// CauseTransport covers stream errors, server errors, timeouts, and
	// transient network resets. Credentials remain valid.
	CauseTransport
)

// String returns the wire name of the cause for logs and events.
func (c Cause) String() string {
	switch c {
	case CauseFatalAuth:
		return "fatal_auth"
	case CauseConflict:
		return "session_conflict"
	case CausePreAuth:
		return "pre_auth"
	case CauseTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// EventType identifies a connection event.
type EventType int

const (
	// EventConnected fires when the session is established.
	EventConnected EventType = iota

	// EventDisconnected fires when the connection ends, with a Cause.
	EventDisconnected

	// EventPairing fires when a fresh pairing artifact is available.
	EventPairing

	// EventPaired fires when the user completed pairing and a session
	// now exists.
	EventPaired

	// EventAck fires on inbound liveness acknowledgements.
	EventAck
)

// Event is delivered on a Conn's event channel.
type Event struct {
	Type   EventType
	Cause  Cause
	Detail string

	// Pairing is set on EventPairing.
	Pairing *models.PairingArtifact

	// Identity fields are set on EventConnected/EventPaired when known.
	UserID      string
	PhoneNumber string
}

// Conn is one live connection to the messaging network.
type Conn interface {
	// IsConnected reports whether the underlying socket is up.
	IsConnected() bool

	// LastAck returns the time of the most recent inbound liveness
	// acknowledgement.
	LastAck() time.Time

	// Probe sends a non-intrusive liveness probe.
	Probe(ctx context.Context) error

	// Credentials returns a snapshot of the session credential blob for
	// caching, or nil when no session exists yet.
	Credentials(ctx context.Context) ([]byte, error)

	// Events returns the connection's event stream. Closed on teardown.
	Events() <-chan Event

	// Disconnect closes the socket but keeps the session usable for a
	// later resume.
	Disconnect()

	// Logout invalidates the session remotely and locally. Used on
	// manual disconnect and fatal auth teardown.
	Logout(ctx context.Context) error
}

// Dialer opens connections on behalf of agents.
type Dialer interface {
	// Dial opens a connection for the agent, resuming from creds when
	// non-nil. When no session exists the returned Conn emits
	// EventPairing artifacts until pairing completes or the dial
	// context is cancelled.
	Dial(ctx context.Context, agent *models.Agent, creds []byte) (Conn, error)
}
