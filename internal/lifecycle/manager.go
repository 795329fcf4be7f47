// Package lifecycle owns the set of locally-live connections. It consults
// the registry for ownership, the session cache for credentials, and the
// health monitor for liveness, and drives each agent through the
// reconnection state machine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/flotilla/internal/backoff"
	"github.com/haasonsaas/flotilla/internal/events"
	"github.com/haasonsaas/flotilla/internal/health"
	"github.com/haasonsaas/flotilla/internal/registry"
	"github.com/haasonsaas/flotilla/internal/sessioncache"
	"github.com/haasonsaas/flotilla/internal/storage"
	"github.com/haasonsaas/flotilla/internal/transport"
	"github.com/haasonsaas/flotilla/pkg/models"
)

var (
	// ErrNotOwned means another instance owns the agent, or ownership
	// could not be established. Never fatal; callers skip locally.
	ErrNotOwned = errors.New("agent not owned by this instance")

	// ErrInCooldown means the agent is inside a post-failure cooldown
	// window and may not reconnect yet.
	ErrInCooldown = errors.New("agent in cooldown")

	// ErrNotActive means the agent is disabled in the durable roster.
	ErrNotActive = errors.New("agent not active")

	// ErrAtCapacity means this instance refuses further assignments.
	ErrAtCapacity = errors.New("instance at capacity")
)

// Config carries the lifecycle tunables.
type Config struct {
	// CooldownWindow is enforced after a fatal auth failure before any
	// reconnect attempt is allowed.
	CooldownWindow time.Duration

	// MaxAttempts bounds consecutive automatic reconnect attempts
	// before the agent lands in the error state.
	MaxAttempts int

	// PairingTTL bounds cached pairing artifacts.
	PairingTTL time.Duration

	// CredentialsTTL is used for cached credential snapshots.
	CredentialsTTL time.Duration

	// ReconcileInterval is the cadence of the periodic backstop pass.
	// The manager does not schedule itself; the daemon drives Reconcile.
	ReconcileInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CooldownWindow:    5 * time.Minute,
		MaxAttempts:       10,
		PairingTTL:        60 * time.Second,
		CredentialsTTL:    sessioncache.DefaultCredentialsTTL,
		ReconcileInterval: 15 * time.Second,
	}
}

// Manager drives the per-agent connection state machines.
type Manager struct {
	config   Config
	registry *registry.Registry
	cache    *sessioncache.Cache
	agents   storage.AgentStore
	dialer   transport.Dialer
	monitor  *health.Monitor
	sink     events.Sink
	logger   *slog.Logger

	policy backoff.Policy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool
}

// New creates a manager and wires a health monitor to its escalation hook.
func New(
	config Config,
	reg *registry.Registry,
	cache *sessioncache.Cache,
	agents storage.AgentStore,
	dialer transport.Dialer,
	sink events.Sink,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	m := &Manager{
		config:   config,
		registry: reg,
		cache:    cache,
		agents:   agents,
		dialer:   dialer,
		sink:     sink,
		logger:   logger.With("component", "lifecycle"),
		policy:   backoff.Reconnect(),
		now:      time.Now,
		sleep:    sleepContext,
		runners:  make(map[string]*runner),
	}
	m.monitor = health.NewMonitor(health.DefaultConfig(), m.onUnhealthy, logger)
	return m
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetClockForTest overrides the manager's time source.
func (m *Manager) SetClockForTest(now func() time.Time) { m.now = now }

// SetSleepForTest overrides backoff waiting.
func (m *Manager) SetSleepForTest(sleep func(ctx context.Context, d time.Duration) error) {
	m.sleep = sleep
}

// Monitor exposes the health monitor for status inspection.
func (m *Manager) Monitor() *health.Monitor { return m.monitor }

// Running returns the IDs of agents with a live runner.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) isRunning(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[agentID]
	return ok
}

// StartAgent starts the agent's connection on this instance. Idempotent:
// starting a running agent is a no-op success. Refuses unless ownership can
// be established, the agent is active, and no cooldown is pending.
func (m *Manager) StartAgent(ctx context.Context, agentID string) error {
	if m.isRunning(agentID) {
		return nil
	}

	agent, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if !agent.IsActive {
		return ErrNotActive
	}
	if agent.InCooldown(m.now()) {
		return fmt.Errorf("%w until %s", ErrInCooldown, agent.CooldownUntil.Format(time.RFC3339))
	}
	if agent.Status == models.StatusConflict {
		// Conflict never auto-retries; an explicit start is user action,
		// so it proceeds with a fresh pairing.
		m.logger.Info("starting agent out of conflict state", "agent_id", agentID)
	}

	if !m.registry.CanAcceptMore() {
		return ErrAtCapacity
	}
	won, err := m.registry.Assign(ctx, agentID)
	if err != nil {
		return fmt.Errorf("establish ownership: %w", err)
	}
	if !won {
		return ErrNotOwned
	}
	if err := m.agents.SetAssignedInstance(ctx, agentID, m.registry.InstanceID()); err != nil {
		m.logger.Warn("failed to record assignment", "agent_id", agentID, "error", err)
	}

	return m.launch(agent)
}

// launch registers a runner and starts its goroutine. Fails closed if the
// manager is shutting down.
func (m *Manager) launch(agent *models.Agent) error {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		agentID: agent.ID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errors.New("manager is shut down")
	}
	if _, ok := m.runners[agent.ID]; ok {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.runners[agent.ID] = r
	m.mu.Unlock()

	go m.run(runCtx, r, agent)
	return nil
}

// StopAgent stops the agent's connection, keeping credentials for a later
// resume, and releases ownership. Stopping a stopped agent is a no-op.
func (m *Manager) StopAgent(ctx context.Context, agentID string) error {
	m.stopRunner(agentID)

	if err := m.registry.Unassign(ctx, agentID); err != nil {
		m.logger.Warn("failed to release assignment", "agent_id", agentID, "error", err)
	}
	if err := m.agents.SetAssignedInstance(ctx, agentID, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to clear assignment", "agent_id", agentID, "error", err)
	}
	m.setStatus(ctx, agentID, models.StatusDisconnected, "")
	return nil
}

// stopRunner cancels and waits out the agent's runner, if any.
func (m *Manager) stopRunner(agentID string) {
	m.mu.Lock()
	r, ok := m.runners[agentID]
	if ok {
		delete(m.runners, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// removeRunner drops a runner that exited on its own.
func (m *Manager) removeRunner(agentID string, r *runner) {
	m.mu.Lock()
	if current, ok := m.runners[agentID]; ok && current == r {
		delete(m.runners, agentID)
	}
	m.mu.Unlock()
}

// ManualDisconnect tears down everything for the agent: connection, cached
// and durable credentials, ownership, and any pending cooldown. This is the
// only path that clears all three together; failure paths keep credentials
// for automatic recovery. An immediate StartAgent afterwards yields a fresh
// pairing with zero cooldown delay.
func (m *Manager) ManualDisconnect(ctx context.Context, agentID string) error {
	m.mu.Lock()
	r, running := m.runners[agentID]
	if running {
		r.requestLogout()
		delete(m.runners, agentID)
	}
	m.mu.Unlock()
	if running {
		r.cancel()
		<-r.done
	}

	if err := m.cache.Invalidate(ctx, agentID); err != nil {
		m.logger.Warn("failed to invalidate session cache", "agent_id", agentID, "error", err)
	}
	if err := m.agents.ClearCredentials(ctx, agentID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to clear durable credentials", "agent_id", agentID, "error", err)
	}
	if err := m.agents.SetCooldown(ctx, agentID, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to clear cooldown", "agent_id", agentID, "error", err)
	}
	if err := m.agents.SetNeedsReconnection(ctx, agentID, false); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to clear reconnection flag", "agent_id", agentID, "error", err)
	}
	if err := m.registry.Unassign(ctx, agentID); err != nil {
		m.logger.Warn("failed to release assignment", "agent_id", agentID, "error", err)
	}
	if err := m.agents.SetAssignedInstance(ctx, agentID, ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to clear assignment", "agent_id", agentID, "error", err)
	}
	m.setStatus(ctx, agentID, models.StatusDisconnected, "")
	m.logger.Info("manual disconnect complete", "agent_id", agentID)
	return nil
}

// ManualReconnect restarts the agent's connection with existing
// credentials. Idempotent: a stopped agent is simply started.
func (m *Manager) ManualReconnect(ctx context.Context, agentID string) error {
	m.stopRunner(agentID)
	return m.StartAgent(ctx, agentID)
}

// Reconcile is the periodic backstop. It derives the should-be-running set
// (active, owned here or unowned, not in cooldown, not terminal) and starts
// what is missing, then stops runners whose agents are gone, disabled, or
// owned elsewhere.
func (m *Manager) Reconcile(ctx context.Context) error {
	active, err := m.agents.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active agents: %w", err)
	}

	want := make(map[string]bool, len(active))
	for _, agent := range active {
		want[agent.ID] = true
		if m.isRunning(agent.ID) {
			continue
		}
		if agent.InCooldown(m.now()) {
			continue
		}
		if agent.Status.Terminal() && !agent.NeedsReconnection {
			// Terminal states, conflict included, wait for explicit
			// user action; the reconnect flag is that action.
			continue
		}
		if !m.registry.CanAcceptMore() {
			continue
		}

		owner, err := m.registry.Owner(ctx, agent.ID)
		if err != nil {
			// Store outage: fail closed, start nothing new.
			m.logger.Warn("ownership check failed during reconcile",
				"agent_id", agent.ID, "error", err)
			continue
		}
		if owner != "" && owner != m.registry.InstanceID() {
			alive, err := m.registry.InstanceAlive(ctx, owner)
			if err != nil {
				m.logger.Warn("owner liveness check failed during reconcile",
					"agent_id", agent.ID, "owner", owner, "error", err)
				continue
			}
			if alive {
				continue
			}
			// Dead owner: fall through and let Assign steal the claim.
			m.logger.Info("reclaiming agent from dead instance",
				"agent_id", agent.ID, "previous_owner", owner)
		}

		if err := m.StartAgent(ctx, agent.ID); err != nil {
			if errors.Is(err, ErrNotOwned) || errors.Is(err, ErrAtCapacity) {
				continue
			}
			m.logger.Warn("reconcile start failed", "agent_id", agent.ID, "error", err)
			continue
		}
		if agent.NeedsReconnection {
			if err := m.agents.SetNeedsReconnection(ctx, agent.ID, false); err != nil {
				m.logger.Warn("failed to clear reconnection flag",
					"agent_id", agent.ID, "error", err)
			}
		}
	}

	// Stop orphans: runners for agents that are no longer active or that
	// the store says belong to someone else.
	for _, agentID := range m.Running() {
		if !want[agentID] {
			m.logger.Info("stopping orphaned runner", "agent_id", agentID)
			if err := m.StopAgent(ctx, agentID); err != nil {
				m.logger.Warn("failed to stop orphan", "agent_id", agentID, "error", err)
			}
			continue
		}
		owned, err := m.registry.IsOwnedLocally(ctx, agentID)
		if err != nil {
			// Fail closed for decisions, but leave the running
			// connection untouched.
			continue
		}
		if !owned {
			m.logger.Info("stopping runner owned elsewhere", "agent_id", agentID)
			m.stopRunner(agentID)
		}
	}
	return nil
}

// Shutdown stops every runner and the health monitor. Connections are
// disconnected, not logged out, so sessions resume after restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.runners = make(map[string]*runner)
	m.mu.Unlock()

	for _, r := range runners {
		r.cancel()
		<-r.done
	}
	m.monitor.Close()
	m.logger.Info("lifecycle manager stopped", "stopped_runners", len(runners))
}

// onUnhealthy is the health monitor's escalation hook. It forces the
// connection closed; the runner observes the closure and takes the normal
// recoverable-transport path.
func (m *Manager) onUnhealthy(agentID string, reason health.Reason, detail string) {
	m.mu.Lock()
	r, ok := m.runners[agentID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Warn("connection escalated unhealthy",
		"agent_id", agentID, "reason", string(reason), "detail", detail)
	r.forceDisconnect()
}

// setStatus writes the durable status fields and publishes a status event.
func (m *Manager) setStatus(ctx context.Context, agentID string, status models.ConnectionStatus, detail string) {
	m.setStatusCause(ctx, agentID, status, detail, "")
}

func (m *Manager) setStatusCause(ctx context.Context, agentID string, status models.ConnectionStatus, detail, cause string) {
	if err := m.agents.UpdateStatus(ctx, agentID, status, detail); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("failed to write status",
			"agent_id", agentID, "status", string(status), "error", err)
	}
	m.sink.Publish(models.StatusEvent{
		Type:    models.EventStatusChanged,
		AgentID: agentID,
		Status:  status,
		Detail:  detail,
		Cause:   cause,
	})
}
