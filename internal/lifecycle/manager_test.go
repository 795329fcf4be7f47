package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/flotilla/internal/coordination"
	"github.com/haasonsaas/flotilla/internal/registry"
	"github.com/haasonsaas/flotilla/internal/sessioncache"
	"github.com/haasonsaas/flotilla/internal/storage"
	"github.com/haasonsaas/flotilla/internal/transport"
	"github.com/haasonsaas/flotilla/pkg/models"
)

// scriptedConn is a fake transport connection driven by the test.
type scriptedConn struct {
	events    chan transport.Event
	closeOnce sync.Once

	mu        sync.Mutex
	connected bool
	creds     []byte
	loggedOut bool
}

func newScriptedConn(creds []byte) *scriptedConn {
	return &scriptedConn{
		events:    make(chan transport.Event, 8),
		connected: true,
		creds:     creds,
	}
}

func (c *scriptedConn) emit(event transport.Event) { c.events <- event }

func (c *scriptedConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *scriptedConn) LastAck() time.Time         { return time.Now() }
func (c *scriptedConn) Probe(context.Context) error { return nil }

func (c *scriptedConn) Credentials(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds, nil
}

func (c *scriptedConn) Events() <-chan transport.Event { return c.events }

func (c *scriptedConn) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *scriptedConn) Logout(context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	c.Disconnect()
	return nil
}

func (c *scriptedConn) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

type dialStep struct {
	conn *scriptedConn
	err  error
}

// fakeDialer pops one scripted step per Dial and records the credential
// blob each dial received.
type fakeDialer struct {
	mu         sync.Mutex
	steps      []dialStep
	defaultErr error
	calls      [][]byte
}

func (d *fakeDialer) Dial(ctx context.Context, agent *models.Agent, creds []byte) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var copied []byte
	if creds != nil {
		copied = append([]byte(nil), creds...)
	}
	d.calls = append(d.calls, copied)
	if len(d.steps) == 0 {
		if d.defaultErr != nil {
			return nil, d.defaultErr
		}
		return nil, &transport.DialError{Cause: transport.CauseTransport, Err: errors.New("script exhausted")}
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *fakeDialer) credsAt(i int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.calls) {
		return nil
	}
	return d.calls[i]
}

type recordSink struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (s *recordSink) Publish(event models.StatusEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordSink) byType(eventType models.StatusEventType) []models.StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StatusEvent
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	store  *coordination.MemoryStore
	cache  *sessioncache.Cache
	agents storage.AgentStore
	reg    *registry.Registry
	sink   *recordSink
	dialer *fakeDialer
	mgr    *Manager
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := coordination.NewMemoryStore()
	cache := sessioncache.New(store, logger)
	agents := storage.NewMemoryAgentStore()
	reg := registry.New(store, registry.DefaultConfig(), logger)
	if err := reg.Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	sink := &recordSink{}
	dialer := &fakeDialer{}
	mgr := New(config, reg, cache, agents, dialer, sink, logger)
	mgr.SetSleepForTest(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	return &harness{store: store, cache: cache, agents: agents, reg: reg,
		sink: sink, dialer: dialer, mgr: mgr}
}

func (h *harness) createAgent(t *testing.T, id string, creds []byte) {
	t.Helper()
	agent := &models.Agent{
		ID:          id,
		TenantID:    "tenant-1",
		DisplayName: "Test Agent",
		IsActive:    true,
		Credentials: creds,
	}
	if err := h.agents.Create(context.Background(), agent); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func (h *harness) agent(t *testing.T, id string) *models.Agent {
	t.Helper()
	agent, err := h.agents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return agent
}

// seedForeignOwner makes "other" a live peer that owns the agent.
func (h *harness) seedForeignOwner(t *testing.T, agentID string) {
	t.Helper()
	ctx := context.Background()
	record := models.InstanceRecord{
		ID:            "other",
		Hostname:      "peer",
		Capacity:      200,
		LastHeartbeat: time.Now(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := h.store.Set(ctx, "inst:other", payload, time.Minute); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	if err := h.store.Set(ctx, "assign:"+agentID, []byte("other"), time.Minute); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartAgent_RefusedWhenOwnedElsewhere(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", nil)
	h.seedForeignOwner(t, "agent-1")

	err := h.mgr.StartAgent(context.Background(), "agent-1")
	if !errors.Is(err, ErrNotOwned) {
		t.Fatalf("err = %v, want ErrNotOwned", err)
	}
	if h.dialer.dialCount() != 0 {
		t.Fatal("dialed despite foreign ownership")
	}
}

func TestStartAgent_RefusedWhenInactive(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	agent := &models.Agent{ID: "agent-1", TenantID: "t", IsActive: false}
	if err := h.agents.Create(context.Background(), agent); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.StartAgent(context.Background(), "agent-1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("err = %v, want ErrNotActive", err)
	}
}

func TestStartAgent_ConnectFlow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	creds := []byte("session-blob")
	h.createAgent(t, "agent-1", creds)

	conn := newScriptedConn([]byte("refreshed-blob"))
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	// Idempotent: a second start is a no-op success.
	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("second StartAgent: %v", err)
	}

	conn.emit(transport.Event{
		Type:        transport.EventConnected,
		UserID:      "12345@host",
		PhoneNumber: "12345",
	})

	waitFor(t, "connected status", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusConnected
	})

	if got := string(h.dialer.credsAt(0)); got != "session-blob" {
		t.Fatalf("dial creds = %q, want durable blob", got)
	}
	waitFor(t, "cached credentials", func() bool {
		return string(h.cache.GetCredentials(context.Background(), "agent-1")) == "refreshed-blob"
	})
	waitFor(t, "durable credentials", func() bool {
		return string(h.agent(t, "agent-1").Credentials) == "refreshed-blob"
	})
	if got := h.cache.GetUserID(context.Background(), "agent-1"); got != "12345@host" {
		t.Fatalf("cached user id = %q", got)
	}
	if _, watching := h.mgr.Monitor().Status("agent-1"); !watching {
		t.Fatal("connection not registered with the health monitor")
	}
}

func TestStartAgent_PairingFlow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", nil)

	conn := newScriptedConn([]byte("fresh-session"))
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if got := h.dialer.credsAt(0); got != nil {
		t.Fatalf("dial creds = %q, want nil for unpaired agent", got)
	}

	conn.emit(transport.Event{
		Type: transport.EventPairing,
		Pairing: &models.PairingArtifact{
			Code:      "2@pairing-code",
			ExpiresAt: time.Now().Add(45 * time.Second),
		},
	})

	waitFor(t, "pairing_pending status", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusPairingPending
	})
	waitFor(t, "pairing event on sink", func() bool {
		ready := h.sink.byType(models.EventPairingReady)
		return len(ready) == 1 && ready[0].Pairing != nil && ready[0].Pairing.Code == "2@pairing-code"
	})
	waitFor(t, "cached artifact", func() bool {
		return h.cache.GetMetadata(context.Background(), "agent-1") != nil
	})

	conn.emit(transport.Event{Type: transport.EventPaired, UserID: "777@host"})
	waitFor(t, "connected after pairing", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusConnected
	})
}

func TestFatalAuth_ClearsCredentialsAndEnforcesCooldown(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", []byte("old-blob"))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	h.mgr.SetClockForTest(func() time.Time { return now })

	conn := newScriptedConn([]byte("old-blob"))
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	conn.emit(transport.Event{Type: transport.EventConnected})
	waitFor(t, "connected", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusConnected
	})

	conn.emit(transport.Event{
		Type:   transport.EventDisconnected,
		Cause:  transport.CauseFatalAuth,
		Detail: "logged out by server",
	})

	waitFor(t, "error status", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusError
	})
	waitFor(t, "runner exit", func() bool {
		return len(h.mgr.Running()) == 0
	})

	agent := h.agent(t, "agent-1")
	if agent.Credentials != nil {
		t.Fatal("durable credentials survived fatal auth")
	}
	if h.cache.GetCredentials(context.Background(), "agent-1") != nil {
		t.Fatal("cached credentials survived fatal auth")
	}
	if agent.CooldownUntil == nil || !agent.CooldownUntil.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("cooldown_until = %v, want %v", agent.CooldownUntil, now.Add(5*time.Minute))
	}
	if len(h.sink.byType(models.EventFatalError)) != 1 {
		t.Fatal("missing fatal error event")
	}

	// A restart inside the cooldown window is refused.
	if err := h.mgr.StartAgent(context.Background(), "agent-1"); !errors.Is(err, ErrInCooldown) {
		t.Fatalf("err = %v, want ErrInCooldown", err)
	}

	// After the window elapses the restart is permitted.
	h.mgr.SetClockForTest(func() time.Time { return now.Add(6 * time.Minute) })
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: newScriptedConn(nil)}}
	h.dialer.mu.Unlock()
	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent after cooldown: %v", err)
	}
}

func TestConflict_TerminalWithoutCooldown(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", []byte("blob"))

	conn := newScriptedConn([]byte("blob"))
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	conn.emit(transport.Event{Type: transport.EventConnected})
	waitFor(t, "connected", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusConnected
	})

	conn.emit(transport.Event{
		Type:  transport.EventDisconnected,
		Cause: transport.CauseConflict,
	})

	waitFor(t, "conflict status", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusConflict
	})
	waitFor(t, "runner exit", func() bool {
		return len(h.mgr.Running()) == 0
	})

	agent := h.agent(t, "agent-1")
	if agent.CooldownUntil != nil {
		t.Fatal("conflict set a cooldown; it should be terminal without one")
	}
	if agent.Credentials != nil {
		t.Fatal("credentials survived session conflict")
	}

	// Reconcile must not auto-restart a conflicted agent.
	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(h.mgr.Running()) != 0 {
		t.Fatal("reconcile restarted a conflicted agent")
	}
}

func TestTransportFailure_BackoffScheduleThenError(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 6
	h := newHarness(t, config)
	h.createAgent(t, "agent-1", []byte("blob"))

	var mu sync.Mutex
	var delays []time.Duration
	h.mgr.SetSleepForTest(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	})

	// Every dial fails with a recoverable transport error.
	h.dialer.mu.Lock()
	h.dialer.defaultErr = &transport.DialError{Cause: transport.CauseTransport, Err: errors.New("connection reset")}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	waitFor(t, "error status after exhaustion", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusError
	})
	waitFor(t, "runner exit", func() bool {
		return len(h.mgr.Running()) == 0
	})

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestPreAuthFailure_RetriesImmediately(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 3
	h := newHarness(t, config)
	h.createAgent(t, "agent-1", nil)

	var mu sync.Mutex
	var delays []time.Duration
	h.mgr.SetSleepForTest(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	})

	h.dialer.mu.Lock()
	h.dialer.defaultErr = &transport.DialError{Cause: transport.CausePreAuth, Err: errors.New("bad handshake")}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	waitFor(t, "error status after exhaustion", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusError
	})

	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 0 {
		t.Fatalf("pre-auth retries waited %v, want immediate retries", delays)
	}
	if h.dialer.dialCount() != 3 {
		t.Fatalf("dials = %d, want 3", h.dialer.dialCount())
	}
}

func TestManualDisconnect_ThenImmediateFreshStart(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", []byte("blob"))

	conn := newScriptedConn([]byte("blob"))
	fresh := newScriptedConn(nil)
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}, {conn: fresh}}
	h.dialer.mu.Unlock()

	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	conn.emit(transport.Event{Type: transport.EventConnected})
	waitFor(t, "connected", func() bool {
		return h.agent(t, "agent-1").Status == models.StatusConnected
	})

	if err := h.mgr.ManualDisconnect(context.Background(), "agent-1"); err != nil {
		t.Fatalf("ManualDisconnect: %v", err)
	}

	if !conn.wasLoggedOut() {
		t.Fatal("manual disconnect did not log the session out")
	}
	agent := h.agent(t, "agent-1")
	if agent.Status != models.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", agent.Status)
	}
	if agent.Credentials != nil {
		t.Fatal("durable credentials survived manual disconnect")
	}
	if h.cache.GetCredentials(context.Background(), "agent-1") != nil {
		t.Fatal("cached credentials survived manual disconnect")
	}
	if agent.CooldownUntil != nil {
		t.Fatal("manual disconnect left a cooldown in place")
	}

	// Back-to-back restart succeeds with zero delay and dials without
	// credentials, forcing a fresh pairing.
	if err := h.mgr.StartAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StartAgent after manual disconnect: %v", err)
	}
	waitFor(t, "second dial", func() bool { return h.dialer.dialCount() == 2 })
	if got := h.dialer.credsAt(1); got != nil {
		t.Fatalf("second dial creds = %q, want nil", got)
	}
}

func TestStopAgent_IdempotentOnStoppedAgent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", nil)
	if err := h.mgr.StopAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("StopAgent on stopped agent: %v", err)
	}
}

func TestReconcile_StartsActiveStopsForeignOwned(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", []byte("blob"))

	conn := newScriptedConn([]byte("blob"))
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	waitFor(t, "runner started by reconcile", func() bool {
		return len(h.mgr.Running()) == 1
	})

	// Another instance takes ownership; the next pass must stop the
	// local runner without touching durable credentials.
	if err := h.store.Set(context.Background(), "assign:agent-1", []byte("other"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(h.mgr.Running()) != 0 {
		t.Fatal("runner still up for an agent owned elsewhere")
	}
	if h.agent(t, "agent-1").Credentials == nil {
		t.Fatal("losing ownership cleared durable credentials")
	}
}

func TestReconcile_ReclaimsAgentFromDeadInstance(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", []byte("blob"))

	// The assignment points at an instance with no live record: a crash
	// before unassign. The next pass must steal it and start the agent.
	if err := h.store.Set(context.Background(), "assign:agent-1", []byte("dead-instance"), time.Hour); err != nil {
		t.Fatal(err)
	}

	conn := newScriptedConn([]byte("blob"))
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	waitFor(t, "agent reclaimed from dead instance", func() bool {
		return len(h.mgr.Running()) == 1
	})
	owner, err := h.store.Get(context.Background(), "assign:agent-1")
	if err != nil {
		t.Fatalf("read assignment: %v", err)
	}
	if string(owner) == "dead-instance" {
		t.Fatal("stale assignment survived the reclaim")
	}
}

func TestReconcile_LeavesAgentWithLiveForeignOwner(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", []byte("blob"))
	h.seedForeignOwner(t, "agent-1")

	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(h.mgr.Running()) != 0 {
		t.Fatal("started an agent owned by a live peer")
	}
	if h.dialer.dialCount() != 0 {
		t.Fatal("dialed an agent owned by a live peer")
	}
}

func TestReconcile_RestartsConflictAgentWhenFlagged(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", nil)
	ctx := context.Background()
	if err := h.agents.UpdateStatus(ctx, "agent-1", models.StatusConflict, "taken over"); err != nil {
		t.Fatal(err)
	}

	// Without the operator's reconnect flag the conflict stays put.
	if err := h.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(h.mgr.Running()) != 0 {
		t.Fatal("reconcile auto-retried a conflicted agent")
	}

	conn := newScriptedConn(nil)
	h.dialer.mu.Lock()
	h.dialer.steps = []dialStep{{conn: conn}}
	h.dialer.mu.Unlock()

	if err := h.agents.SetNeedsReconnection(ctx, "agent-1", true); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile after flag: %v", err)
	}
	waitFor(t, "conflicted agent restarted on operator request", func() bool {
		return len(h.mgr.Running()) == 1
	})
	if h.agent(t, "agent-1").NeedsReconnection {
		t.Error("reconnect flag not cleared after restart")
	}
}

func TestReconcile_SkipsCooldownAgents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.createAgent(t, "agent-1", nil)
	until := time.Now().Add(10 * time.Minute)
	if err := h.agents.SetCooldown(context.Background(), "agent-1", &until); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(h.mgr.Running()) != 0 {
		t.Fatal("reconcile started an agent in cooldown")
	}
	if h.dialer.dialCount() != 0 {
		t.Fatal("dialed an agent in cooldown")
	}
}
