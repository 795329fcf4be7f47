// Package health watches live connections and escalates the ones that have
// stopped working. It owns detection only; reconnect policy lives with the
// caller, which receives escalations through a callback.
package health

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/haasonsaas/flotilla/internal/transport"
)

// Reason classifies why a connection was escalated.
type Reason string

const (
	// ReasonTransportDown means the transport reported itself disconnected
	// on consecutive checks.
	ReasonTransportDown Reason = "transport_down"

	// ReasonLivenessLost means the connection claims to be up but has not
	// acknowledged probes for too long.
	ReasonLivenessLost Reason = "liveness_lost"
)

// EscalateFunc is invoked at most once per unhealthy episode per agent.
type EscalateFunc func(agentID string, reason Reason, detail string)

// ResolveFunc checks network reachability of a host. The result is recorded
// as an annotation only and never escalates.
type ResolveFunc func(ctx context.Context, host string) error

// Config carries the check cadences and thresholds.
type Config struct {
	TransportInterval      time.Duration
	TransportFailThreshold int

	LivenessInterval      time.Duration
	LivenessSilence       time.Duration
	LivenessMissThreshold int

	IdleProbeInterval time.Duration

	ReachabilityInterval time.Duration
	ReachabilityHost     string
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		TransportInterval:      15 * time.Second,
		TransportFailThreshold: 2,
		LivenessInterval:       15 * time.Second,
		LivenessSilence:        60 * time.Second,
		LivenessMissThreshold:  3,
		IdleProbeInterval:      3 * time.Minute,
		ReachabilityInterval:   2 * time.Minute,
		ReachabilityHost:       "web.whatsapp.com",
	}
}

// Snapshot is the per-agent view of the monitor's counters and annotations.
type Snapshot struct {
	TransportFailures int
	MissedProbes      int
	LastAck           time.Time
	Reachable         bool
	ReachabilityAt    time.Time
	Escalated         bool
}

type watch struct {
	agentID string
	conn    transport.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	mu                sync.Mutex
	transportFailures int
	missedProbes      int
	reachable         bool
	reachabilityAt    time.Time
	escalated         bool
}

// Monitor runs the four periodic checks for every watched connection.
type Monitor struct {
	config   Config
	logger   *slog.Logger
	escalate EscalateFunc
	resolve  ResolveFunc
	now      func() time.Time

	mu      sync.Mutex
	watches map[string]*watch
}

// NewMonitor creates a monitor. escalate must be non-nil.
func NewMonitor(config Config, escalate EscalateFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		config:   config,
		logger:   logger.With("component", "health"),
		escalate: escalate,
		resolve:  defaultResolve,
		now:      time.Now,
		watches:  make(map[string]*watch),
	}
}

// SetClockForTest overrides the monitor's time source.
func (m *Monitor) SetClockForTest(now func() time.Time) {
	m.now = now
}

// SetResolverForTest overrides the reachability resolver.
func (m *Monitor) SetResolverForTest(resolve ResolveFunc) {
	m.resolve = resolve
}

func defaultResolve(ctx context.Context, host string) error {
	_, err := net.DefaultResolver.LookupHost(ctx, host)
	return err
}

// Watch starts the periodic checks for an agent's connection. Watching an
// agent twice replaces the previous watch.
func (m *Monitor) Watch(agentID string, conn transport.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{
		agentID:   agentID,
		conn:      conn,
		cancel:    cancel,
		done:      make(chan struct{}),
		reachable: true,
	}

	m.mu.Lock()
	if prev, ok := m.watches[agentID]; ok {
		prev.cancel()
	}
	m.watches[agentID] = w
	m.mu.Unlock()

	go m.run(ctx, w)
}

// Unwatch stops the checks for an agent. Safe to call for unknown agents.
func (m *Monitor) Unwatch(agentID string) {
	m.mu.Lock()
	w, ok := m.watches[agentID]
	if ok {
		delete(m.watches, agentID)
	}
	m.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Close stops all watches.
func (m *Monitor) Close() {
	m.mu.Lock()
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.watches = make(map[string]*watch)
	m.mu.Unlock()
	for _, w := range watches {
		w.cancel()
		<-w.done
	}
}

// Status reports the current counters for an agent.
func (m *Monitor) Status(agentID string) (Snapshot, bool) {
	m.mu.Lock()
	w, ok := m.watches[agentID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		TransportFailures: w.transportFailures,
		MissedProbes:      w.missedProbes,
		LastAck:           w.conn.LastAck(),
		Reachable:         w.reachable,
		ReachabilityAt:    w.reachabilityAt,
		Escalated:         w.escalated,
	}, true
}

func (m *Monitor) run(ctx context.Context, w *watch) {
	defer close(w.done)

	transportTick := time.NewTicker(m.config.TransportInterval)
	livenessTick := time.NewTicker(m.config.LivenessInterval)
	idleTick := time.NewTicker(m.config.IdleProbeInterval)
	reachTick := time.NewTicker(m.config.ReachabilityInterval)
	defer transportTick.Stop()
	defer livenessTick.Stop()
	defer idleTick.Stop()
	defer reachTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-transportTick.C:
			m.checkTransport(w)
		case <-livenessTick.C:
			m.checkLiveness(ctx, w)
		case <-idleTick.C:
			m.checkIdle(ctx, w)
		case <-reachTick.C:
			m.checkReachability(ctx, w)
		}
	}
}

// checkTransport escalates after the configured number of consecutive
// disconnected observations.
func (m *Monitor) checkTransport(w *watch) {
	if w.conn.IsConnected() {
		w.mu.Lock()
		w.transportFailures = 0
		w.escalated = w.escalated && w.missedProbes >= m.config.LivenessMissThreshold
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.transportFailures++
	failures := w.transportFailures
	shouldEscalate := failures >= m.config.TransportFailThreshold && !w.escalated
	if shouldEscalate {
		w.escalated = true
	}
	w.mu.Unlock()

	if shouldEscalate {
		m.logger.Warn("transport check failed",
			"agent_id", w.agentID, "consecutive_failures", failures)
		m.escalate(w.agentID, ReasonTransportDown, "transport reported disconnected")
	}
}

// checkLiveness probes when the connection has been silent too long and
// escalates after the configured number of missed probes.
func (m *Monitor) checkLiveness(ctx context.Context, w *watch) {
	if !w.conn.IsConnected() {
		return
	}
	silence := m.now().Sub(w.conn.LastAck())
	if silence < m.config.LivenessSilence {
		w.mu.Lock()
		w.missedProbes = 0
		w.escalated = w.escalated && w.transportFailures >= m.config.TransportFailThreshold
		w.mu.Unlock()
		return
	}

	err := w.conn.Probe(ctx)

	w.mu.Lock()
	if err == nil {
		w.missedProbes = 0
		w.mu.Unlock()
		return
	}
	w.missedProbes++
	missed := w.missedProbes
	shouldEscalate := missed >= m.config.LivenessMissThreshold && !w.escalated
	if shouldEscalate {
		w.escalated = true
	}
	w.mu.Unlock()

	m.logger.Debug("liveness probe failed",
		"agent_id", w.agentID, "missed", missed, "error", err)
	if shouldEscalate {
		m.escalate(w.agentID, ReasonLivenessLost, "connection stopped acknowledging probes")
	}
}

// checkIdle sends a non-intrusive probe on long-idle connections so the
// remote side does not reap them. Failures are left to the liveness check.
func (m *Monitor) checkIdle(ctx context.Context, w *watch) {
	if !w.conn.IsConnected() {
		return
	}
	if m.now().Sub(w.conn.LastAck()) < m.config.IdleProbeInterval {
		return
	}
	if err := w.conn.Probe(ctx); err != nil {
		m.logger.Debug("idle probe failed", "agent_id", w.agentID, "error", err)
	}
}

// checkReachability records whether the upstream host resolves. Annotation
// only: an unreachable network never escalates on its own.
func (m *Monitor) checkReachability(ctx context.Context, w *watch) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := m.resolve(checkCtx, m.config.ReachabilityHost)
	cancel()

	w.mu.Lock()
	w.reachable = err == nil
	w.reachabilityAt = m.now()
	w.mu.Unlock()

	if err != nil {
		m.logger.Debug("upstream unreachable",
			"agent_id", w.agentID, "host", m.config.ReachabilityHost, "error", err)
	}
}
