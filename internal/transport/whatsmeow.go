package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow session stores

	"github.com/haasonsaas/flotilla/pkg/models"
)

// WhatsAppConfig configures the whatsmeow-backed dialer.
type WhatsAppConfig struct {
	// SessionDir holds one session database per agent.
	SessionDir string

	// PairingTTL bounds how long a pairing artifact stays valid when the
	// network does not supply its own timeout.
	PairingTTL time.Duration

	// QRSize is the rendered QR PNG edge length in pixels.
	QRSize int
}

// DefaultWhatsAppConfig returns production defaults.
func DefaultWhatsAppConfig() WhatsAppConfig {
	return WhatsAppConfig{
		SessionDir: "sessions",
		PairingTTL: 60 * time.Second,
		QRSize:     256,
	}
}

// DialError carries the failure classification for a Dial that never
// produced a live connection.
type DialError struct {
	Cause Cause
	Err   error
}

func (e *DialError) Error() string { return fmt.Sprintf("dial (%s): %v", e.Cause, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// CauseOf extracts the classification from an error chain. Unclassified
// errors map to CauseUnknown.
func CauseOf(err error) Cause {
	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return dialErr.Cause
	}
	return CauseUnknown
}

// WhatsAppDialer opens whatsmeow connections with one session database per
// agent under SessionDir.
type WhatsAppDialer struct {
	config WhatsAppConfig
	logger *slog.Logger
}

// NewWhatsAppDialer creates the dialer and its session directory.
func NewWhatsAppDialer(config WhatsAppConfig, logger *slog.Logger) (*WhatsAppDialer, error) {
	if config.SessionDir == "" {
		config.SessionDir = DefaultWhatsAppConfig().SessionDir
	}
	if config.PairingTTL <= 0 {
		config.PairingTTL = DefaultWhatsAppConfig().PairingTTL
	}
	if config.QRSize <= 0 {
		config.QRSize = DefaultWhatsAppConfig().QRSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.SessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &WhatsAppDialer{
		config: config,
		logger: logger.With("component", "transport.whatsapp"),
	}, nil
}

func (d *WhatsAppDialer) sessionPath(agentID string) string {
	return filepath.Join(d.config.SessionDir, "agent-"+agentID+".db")
}

// Dial opens a connection for the agent. When no local session database
// exists and creds is non-nil, the cached blob is restored to disk first so
// the session resumes without re-pairing.
func (d *WhatsAppDialer) Dial(ctx context.Context, agent *models.Agent, creds []byte) (Conn, error) {
	path := d.sessionPath(agent.ID)
	if _, err := os.Stat(path); os.IsNotExist(err) && len(creds) > 0 {
		if err := os.WriteFile(path, creds, 0o600); err != nil {
			return nil, &DialError{Cause: CausePreAuth, Err: fmt.Errorf("restore session: %w", err)}
		}
		d.logger.Debug("restored session from cached credentials",
			"agent_id", agent.ID, "bytes", len(creds))
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path), waLog.Noop)
	if err != nil {
		return nil, &DialError{Cause: CausePreAuth, Err: fmt.Errorf("open session store: %w", err)}
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, &DialError{Cause: CausePreAuth, Err: fmt.Errorf("load device: %w", err)}
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	conn := &whatsAppConn{
		agentID:     agent.ID,
		client:      client,
		container:   container,
		sessionPath: path,
		logger:      d.logger.With("agent_id", agent.ID),
		events:      make(chan Event, 16),
		pairingTTL:  d.config.PairingTTL,
		qrSize:      d.config.QRSize,
	}
	conn.touchAck()
	client.AddEventHandler(conn.handleEvent)

	if client.Store.ID == nil {
		// No session yet: surface QR codes until the user pairs.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			conn.closeResources()
			return nil, &DialError{Cause: CausePreAuth, Err: fmt.Errorf("qr channel: %w", err)}
		}
		if err := client.Connect(); err != nil {
			conn.closeResources()
			return nil, &DialError{Cause: CausePreAuth, Err: fmt.Errorf("connect: %w", err)}
		}
		conn.wg.Add(1)
		go conn.pumpQR(ctx, qrChan)
		return conn, nil
	}

	if err := client.Connect(); err != nil {
		conn.closeResources()
		return nil, &DialError{Cause: CauseTransport, Err: fmt.Errorf("connect: %w", err)}
	}
	return conn, nil
}

// whatsAppConn adapts one whatsmeow client to the Conn interface.
type whatsAppConn struct {
	agentID     string
	client      *whatsmeow.Client
	container   *sqlstore.Container
	sessionPath string
	logger      *slog.Logger
	pairingTTL  time.Duration
	qrSize      int

	events    chan Event
	eventsMu  sync.Mutex
	closed    bool
	wg        sync.WaitGroup

	ackMu   sync.Mutex
	lastAck time.Time
}

func (c *whatsAppConn) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *whatsAppConn) LastAck() time.Time {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	return c.lastAck
}

func (c *whatsAppConn) touchAck() {
	c.ackMu.Lock()
	c.lastAck = time.Now()
	c.ackMu.Unlock()
}

func (c *whatsAppConn) Probe(ctx context.Context) error {
	if !c.client.IsConnected() {
		return errors.New("not connected")
	}
	return c.client.SendPresence(ctx, types.PresenceAvailable)
}

// Credentials snapshots the session database for caching. Only valid once
// a session exists; returns nil before pairing completes.
func (c *whatsAppConn) Credentials(ctx context.Context) ([]byte, error) {
	if c.client.Store.ID == nil {
		return nil, nil
	}
	blob, err := os.ReadFile(c.sessionPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot session: %w", err)
	}
	return blob, nil
}

func (c *whatsAppConn) Events() <-chan Event {
	return c.events
}

func (c *whatsAppConn) Disconnect() {
	c.client.Disconnect()
	c.closeResources()
}

func (c *whatsAppConn) Logout(ctx context.Context) error {
	err := c.client.Logout(ctx)
	c.closeResources()
	if removeErr := os.Remove(c.sessionPath); removeErr != nil && !os.IsNotExist(removeErr) {
		c.logger.Warn("failed to remove session database", "error", removeErr)
	}
	if err != nil && !errors.Is(err, whatsmeow.ErrNotLoggedIn) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *whatsAppConn) closeResources() {
	c.eventsMu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.eventsMu.Unlock()
	if alreadyClosed {
		return
	}
	c.wg.Wait()
	if err := c.container.Close(); err != nil {
		c.logger.Warn("failed to close session store", "error", err)
	}
	close(c.events)
}

// emit delivers an event without ever blocking the whatsmeow callback
// goroutine; if the consumer is gone or slow the event is dropped.
func (c *whatsAppConn) emit(event Event) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("dropping connection event", "type", event.Type)
	}
}

func (c *whatsAppConn) identity() (userID, phone string) {
	if jid := c.client.Store.ID; jid != nil {
		return jid.String(), jid.User
	}
	return "", ""
}

// handleEvent maps whatsmeow events onto the transport event model. The
// cause assignment here is the single source of truth for the lifecycle
// manager's failure taxonomy.
func (c *whatsAppConn) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		c.touchAck()
		userID, phone := c.identity()
		c.emit(Event{Type: EventConnected, UserID: userID, PhoneNumber: phone})

	case *events.PairSuccess:
		c.touchAck()
		c.emit(Event{
			Type:        EventPaired,
			UserID:      v.ID.String(),
			PhoneNumber: v.ID.User,
		})

	case *events.LoggedOut:
		c.emit(Event{
			Type:   EventDisconnected,
			Cause:  CauseFatalAuth,
			Detail: fmt.Sprintf("logged out by server (reason %d)", int(v.Reason)),
		})

	case *events.StreamReplaced:
		c.emit(Event{
			Type:   EventDisconnected,
			Cause:  CauseConflict,
			Detail: "session taken over by another client",
		})

	case *events.StreamError:
		c.emit(Event{
			Type:   EventDisconnected,
			Cause:  CauseTransport,
			Detail: "stream error " + v.Code,
		})

	case *events.ConnectFailure:
		cause := CauseTransport
		if v.Reason == events.ConnectFailureLoggedOut {
			cause = CauseFatalAuth
		}
		c.emit(Event{
			Type:   EventDisconnected,
			Cause:  cause,
			Detail: fmt.Sprintf("connect failure (reason %d)", int(v.Reason)),
		})

	case *events.Disconnected:
		c.emit(Event{
			Type:   EventDisconnected,
			Cause:  CauseTransport,
			Detail: "socket closed",
		})

	case *events.KeepAliveRestored:
		c.touchAck()
		c.emit(Event{Type: EventAck})

	case *events.Message, *events.Receipt, *events.Presence:
		// Any inbound traffic doubles as a liveness acknowledgement.
		c.touchAck()
	}
}

// pumpQR renders pairing artifacts from the QR channel until pairing
// completes, the channel closes, or the dial context ends.
func (c *whatsAppConn) pumpQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			if item.Event != "code" {
				c.logger.Debug("qr channel event", "event", item.Event)
				continue
			}
			ttl := item.Timeout
			if ttl <= 0 {
				ttl = c.pairingTTL
			}
			png, err := qrcode.Encode(item.Code, qrcode.Medium, c.qrSize)
			if err != nil {
				c.logger.Warn("failed to render pairing code", "error", err)
				png = nil
			}
			c.emit(Event{
				Type: EventPairing,
				Pairing: &models.PairingArtifact{
					Code:      item.Code,
					PNG:       png,
					ExpiresAt: time.Now().Add(ttl),
				},
			})
		}
	}
}
