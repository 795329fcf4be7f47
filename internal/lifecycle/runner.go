package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/flotilla/internal/backoff"
	"github.com/haasonsaas/flotilla/internal/storage"
	"github.com/haasonsaas/flotilla/internal/transport"
	"github.com/haasonsaas/flotilla/pkg/models"
)

// runner is the single writer for one agent's connection state. All
// transitions happen on its goroutine; other goroutines only cancel it or
// force the connection closed.
type runner struct {
	agentID string
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	conn   transport.Conn
	logout atomic.Bool
}

// forceDisconnect closes the live connection, if any. The runner observes
// the closed event stream and classifies it as a transport failure.
func (r *runner) forceDisconnect() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// requestLogout marks that the teardown on exit must invalidate the remote
// session instead of leaving it resumable.
func (r *runner) requestLogout() {
	r.logout.Store(true)
}

func (r *runner) setConn(conn transport.Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
}

// run is the per-agent state machine loop. It redials with backoff on
// recoverable failures and exits on terminal causes, cancellation, or
// attempt exhaustion.
func (m *Manager) run(ctx context.Context, r *runner, agent *models.Agent) {
	defer close(r.done)
	defer m.removeRunner(agent.ID, r)

	logger := m.logger.With("agent_id", agent.ID)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			m.setStatus(ctx, agent.ID, models.StatusConnecting, "")
		} else {
			m.setStatus(ctx, agent.ID, models.StatusReconnecting, "")
		}

		creds := m.cache.GetCredentials(ctx, agent.ID)
		if creds == nil {
			creds = agent.Credentials
		}

		conn, err := m.dialer.Dial(ctx, agent, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			cause := transport.CauseOf(err)
			logger.Warn("dial failed", "cause", cause.String(), "error", err)
			if exit := m.handleFailure(ctx, r, agent, cause, err.Error(), &attempt); exit {
				return
			}
			continue
		}
		r.setConn(conn)

		cause, detail := m.serveConn(ctx, r, agent, conn, &attempt)
		r.setConn(nil)
		m.monitor.Unwatch(agent.ID)

		if ctx.Err() != nil {
			m.teardownConn(r, conn)
			return
		}
		conn.Disconnect()
		if exit := m.handleFailure(ctx, r, agent, cause, detail, &attempt); exit {
			return
		}
	}
}

// serveConn drains the connection's event stream until it disconnects or
// the runner is cancelled. Returns the classified cause of the ending.
func (m *Manager) serveConn(ctx context.Context, r *runner, agent *models.Agent, conn transport.Conn, attempt *int) (transport.Cause, string) {
	logger := m.logger.With("agent_id", agent.ID)

	for {
		select {
		case <-ctx.Done():
			return transport.CauseUnknown, "stopped"

		case event, ok := <-conn.Events():
			if !ok {
				// Stream closed without a disconnect event: the
				// connection was forced closed. Recoverable.
				return transport.CauseTransport, "connection closed"
			}
			switch event.Type {
			case transport.EventPairing:
				m.onPairing(ctx, agent, event.Pairing)

			case transport.EventPaired:
				logger.Info("pairing complete", "user_id", event.UserID)
				m.onConnected(ctx, agent, conn, event)
				*attempt = 0

			case transport.EventConnected:
				m.onConnected(ctx, agent, conn, event)
				*attempt = 0

			case transport.EventAck:
				if err := m.agents.UpdateHeartbeat(ctx, agent.ID, m.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
					logger.Warn("failed to record heartbeat", "error", err)
				}

			case transport.EventDisconnected:
				return event.Cause, event.Detail
			}
		}
	}
}

// onPairing caches the artifact with a short TTL and publishes it. The
// artifact is never reused; each QR rotation replaces the cached copy.
func (m *Manager) onPairing(ctx context.Context, agent *models.Agent, artifact *models.PairingArtifact) {
	if artifact == nil {
		return
	}
	m.setStatus(ctx, agent.ID, models.StatusPairingPending, "")

	ttl := time.Until(artifact.ExpiresAt)
	if ttl <= 0 || ttl > m.config.PairingTTL {
		ttl = m.config.PairingTTL
	}
	payload, err := json.Marshal(artifact)
	if err == nil {
		if err := m.cache.SetMetadata(ctx, agent.ID, payload, ttl); err != nil {
			m.logger.Warn("failed to cache pairing artifact",
				"agent_id", agent.ID, "error", err)
		}
	}
	m.sink.Publish(models.StatusEvent{
		Type:    models.EventPairingReady,
		AgentID: agent.ID,
		Status:  models.StatusPairingPending,
		Pairing: artifact,
	})
}

// onConnected records the session: snapshot credentials into cache and
// durable storage, cache identity, start health checks.
func (m *Manager) onConnected(ctx context.Context, agent *models.Agent, conn transport.Conn, event transport.Event) {
	logger := m.logger.With("agent_id", agent.ID)
	m.setStatus(ctx, agent.ID, models.StatusConnected, "")

	if blob, err := conn.Credentials(ctx); err != nil {
		logger.Warn("failed to snapshot credentials", "error", err)
	} else if blob != nil {
		// Cache rejection (oversized blob) is not fatal; the durable
		// copy still allows resume.
		if err := m.cache.SetCredentials(ctx, agent.ID, blob, m.config.CredentialsTTL); err != nil {
			logger.Warn("credentials not cached", "error", err)
		}
		if err := m.agents.SetCredentials(ctx, agent.ID, blob); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("failed to persist credentials", "error", err)
		}
		agent.Credentials = blob
	}

	if event.UserID != "" {
		if err := m.cache.SetUserID(ctx, agent.ID, event.UserID, m.config.CredentialsTTL); err != nil {
			logger.Warn("failed to cache user id", "error", err)
		}
	}
	if event.PhoneNumber != "" {
		if err := m.cache.SetPhoneNumber(ctx, agent.ID, event.PhoneNumber, m.config.CredentialsTTL); err != nil {
			logger.Warn("failed to cache phone number", "error", err)
		}
	}
	if err := m.agents.UpdateHeartbeat(ctx, agent.ID, m.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("failed to record heartbeat", "error", err)
	}

	m.monitor.Watch(agent.ID, conn)
	logger.Info("agent connected", "user_id", event.UserID)
}

// handleFailure applies the failure taxonomy. It returns true when the
// runner must exit (terminal state or attempt exhaustion) and false when
// the loop should redial.
func (m *Manager) handleFailure(ctx context.Context, r *runner, agent *models.Agent, cause transport.Cause, detail string, attempt *int) bool {
	logger := m.logger.With("agent_id", agent.ID, "cause", cause.String())

	switch cause {
	case transport.CauseFatalAuth:
		// Session invalidated remotely: credentials are worthless.
		m.clearCredentials(ctx, agent)
		until := m.now().Add(m.config.CooldownWindow)
		if err := m.agents.SetCooldown(ctx, agent.ID, &until); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn("failed to set cooldown", "error", err)
		}
		m.setStatusCause(ctx, agent.ID, models.StatusError, detail, cause.String())
		m.sink.Publish(models.StatusEvent{
			Type:    models.EventFatalError,
			AgentID: agent.ID,
			Status:  models.StatusError,
			Detail:  detail,
			Cause:   cause.String(),
		})
		logger.Error("session invalidated, re-pair required",
			"cooldown_until", until.Format(time.RFC3339))
		return true

	case transport.CauseConflict:
		// Another session took over. Never auto-retries; only explicit
		// user action restarts this agent.
		m.clearCredentials(ctx, agent)
		m.setStatusCause(ctx, agent.ID, models.StatusConflict, detail, cause.String())
		m.sink.Publish(models.StatusEvent{
			Type:    models.EventFatalError,
			AgentID: agent.ID,
			Status:  models.StatusConflict,
			Detail:  detail,
			Cause:   cause.String(),
		})
		logger.Error("session taken over by another client")
		return true

	case transport.CausePreAuth:
		// No session ever existed; retry immediately without cooldown.
		*attempt++
		if *attempt >= m.config.MaxAttempts {
			m.setStatusCause(ctx, agent.ID, models.StatusError, detail, cause.String())
			logger.Error("giving up after repeated connect failures",
				"attempts", *attempt)
			return true
		}
		return false

	default:
		// Recoverable transport failure: credentials stay, redial with
		// backoff.
		*attempt++
		if *attempt >= m.config.MaxAttempts {
			m.setStatusCause(ctx, agent.ID, models.StatusError, detail, cause.String())
			m.sink.Publish(models.StatusEvent{
				Type:    models.EventFatalError,
				AgentID: agent.ID,
				Status:  models.StatusError,
				Detail:  detail,
				Cause:   cause.String(),
			})
			logger.Error("reconnect attempts exhausted", "attempts", *attempt)
			return true
		}
		delay := backoff.Compute(m.policy, *attempt)
		logger.Info("scheduling reconnect",
			"attempt", *attempt, "delay", delay.String(), "detail", detail)
		m.setStatusCause(ctx, agent.ID, models.StatusReconnecting, detail, cause.String())
		if err := m.sleep(ctx, delay); err != nil {
			return true
		}
		return false
	}
}

// clearCredentials removes both the cached and the durable copy.
func (m *Manager) clearCredentials(ctx context.Context, agent *models.Agent) {
	if err := m.cache.Invalidate(ctx, agent.ID); err != nil {
		m.logger.Warn("failed to invalidate session cache",
			"agent_id", agent.ID, "error", err)
	}
	if err := m.agents.ClearCredentials(ctx, agent.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to clear durable credentials",
			"agent_id", agent.ID, "error", err)
	}
	agent.Credentials = nil
}

// teardownConn finishes the connection on runner exit. A manual disconnect
// logs the session out; everything else leaves it resumable.
func (m *Manager) teardownConn(r *runner, conn transport.Conn) {
	if r.logout.Load() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Logout(logoutCtx); err != nil {
			m.logger.Warn("logout failed", "agent_id", r.agentID, "error", err)
		}
		return
	}
	conn.Disconnect()
}
