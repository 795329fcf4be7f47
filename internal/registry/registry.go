// Package registry tracks fleet membership and owns the agent→instance
// assignment map.
//
// Each process registers one InstanceRecord in the coordination store and
// refreshes it on a heartbeat; a record whose heartbeat stops expires out of
// the store, which is how the rest of the fleet detects a dead instance and
// reclaims its agents. Assignment is single-winner: concurrent Assign calls
// from two instances resolve through the store's set-if-absent primitive.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/flotilla/internal/coordination"
	"github.com/haasonsaas/flotilla/pkg/models"
)

const (
	instanceKeyPrefix = "inst:"
	assignKeyPrefix   = "assign:"
)

var (
	// ErrNotRegistered indicates Register has not been called yet.
	ErrNotRegistered = errors.New("registry: instance not registered")

	// ErrNoCapacity indicates no active instance can accept more agents.
	ErrNoCapacity = errors.New("registry: no instance has spare capacity")
)

// Config controls heartbeat cadence and local capacity.
type Config struct {
	// HeartbeatInterval is the gap between instance record refreshes.
	HeartbeatInterval time.Duration

	// HeartbeatTTL is how long a record stays valid without a refresh.
	// Should be 2-3x the interval so one missed beat is forgiven.
	HeartbeatTTL time.Duration

	// Capacity is the maximum number of agents this instance will accept.
	Capacity int

	// Observe, when set, receives the duration of each heartbeat write.
	Observe func(d time.Duration)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 12 * time.Second,
		HeartbeatTTL:      30 * time.Second,
		Capacity:          200,
	}
}

// Registry registers this instance in the fleet and manages assignments.
type Registry struct {
	store  coordination.Store
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	record   *models.InstanceRecord
	assigned map[string]struct{}
	stopCh   chan struct{}
	done     chan struct{}
	running  bool
}

// New creates a registry. Register must be called before any assignment
// operation.
func New(store coordination.Store, config Config, logger *slog.Logger) *Registry {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.HeartbeatTTL <= 0 {
		config.HeartbeatTTL = 2*config.HeartbeatInterval + config.HeartbeatInterval/2
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig().Capacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    store,
		config:   config,
		logger:   logger.With("component", "registry"),
		now:      time.Now,
		assigned: make(map[string]struct{}),
	}
}

// SetClockForTest overrides the registry's clock.
func (r *Registry) SetClockForTest(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// InstanceID returns this instance's stable ID, or "" before Register.
func (r *Registry) InstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return ""
	}
	return r.record.ID
}

// Register writes this instance's record and starts the heartbeat loop.
// Idempotent; a second call refreshes the existing record.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	if r.record == nil {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "unknown"
		}
		r.record = &models.InstanceRecord{
			ID:        uuid.New().String(),
			Hostname:  hostname,
			PID:       os.Getpid(),
			StartedAt: r.now(),
			Capacity:  r.config.Capacity,
		}
	}
	record := r.snapshotRecordLocked()
	alreadyRunning := r.running
	if !r.running {
		r.running = true
		r.stopCh = make(chan struct{})
		r.done = make(chan struct{})
	}
	stopCh, done := r.stopCh, r.done
	r.mu.Unlock()

	if err := r.writeRecord(ctx, record); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}

	if !alreadyRunning {
		go r.heartbeatLoop(stopCh, done)
	}

	r.logger.Info("instance registered",
		"instance_id", record.ID,
		"hostname", record.Hostname,
		"capacity", record.Capacity)
	return nil
}

// Shutdown stops the heartbeat, releases this instance's assignments, and
// removes its record so peers reclaim the agents immediately instead of
// waiting out the TTL.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		record := r.record
		r.mu.Unlock()
		if record == nil {
			return nil
		}
		return r.store.Delete(ctx, instanceKeyPrefix+record.ID)
	}
	close(r.stopCh)
	done := r.done
	r.running = false
	record := r.record
	agents := make([]string, 0, len(r.assigned))
	for id := range r.assigned {
		agents = append(agents, id)
	}
	r.mu.Unlock()

	<-done

	var firstErr error
	for _, agentID := range agents {
		if err := r.Unassign(ctx, agentID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.store.Delete(ctx, instanceKeyPrefix+record.ID); err != nil && firstErr == nil {
		firstErr = err
	}
	r.logger.Info("instance deregistered", "instance_id", record.ID)
	return firstErr
}

// heartbeatLoop refreshes the instance record until stopped. A failed
// refresh is logged and retried on the next tick; the record TTL absorbs
// transient store outages.
func (r *Registry) heartbeatLoop(stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			record := r.snapshotRecordLocked()
			r.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), r.config.HeartbeatInterval)
			start := time.Now()
			if err := r.writeRecord(ctx, record); err != nil {
				r.logger.Warn("heartbeat write failed", "error", err)
			}
			if r.config.Observe != nil {
				r.config.Observe(time.Since(start))
			}
			cancel()
		}
	}
}

// Heartbeat refreshes the instance record once. Exposed for the daemon's
// scheduler and for tests; the internal loop calls the same path.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	if r.record == nil {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	record := r.snapshotRecordLocked()
	r.mu.Unlock()
	return r.writeRecord(ctx, record)
}

func (r *Registry) snapshotRecordLocked() *models.InstanceRecord {
	copied := *r.record
	copied.AssignedCount = len(r.assigned)
	copied.LastHeartbeat = r.now()
	return &copied
}

func (r *Registry) writeRecord(ctx context.Context, record *models.InstanceRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, instanceKeyPrefix+record.ID, payload, r.config.HeartbeatTTL)
}

// ListActiveInstances returns every instance record whose heartbeat has not
// expired. Records that fail to decode are skipped.
func (r *Registry) ListActiveInstances(ctx context.Context) ([]*models.InstanceRecord, error) {
	keys, err := r.store.Keys(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	r.mu.Lock()
	now := r.now()
	ttl := r.config.HeartbeatTTL
	r.mu.Unlock()

	records := make([]*models.InstanceRecord, 0, len(keys))
	for _, key := range keys {
		payload, err := r.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, coordination.ErrNotFound) {
				continue // expired between Keys and Get
			}
			return nil, fmt.Errorf("read instance %s: %w", key, err)
		}
		var record models.InstanceRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			r.logger.Warn("skipping undecodable instance record", "key", key, "error", err)
			continue
		}
		if record.Expired(ttl, now) {
			continue
		}
		records = append(records, &record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// LeastLoaded picks the active instance with the lowest assigned/capacity
// ratio, ties broken by instance ID.
func (r *Registry) LeastLoaded(ctx context.Context) (*models.InstanceRecord, error) {
	records, err := r.ListActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	var best *models.InstanceRecord
	for _, record := range records {
		if record.AssignedCount >= record.Capacity {
			continue
		}
		if best == nil || record.Load() < best.Load() ||
			(record.Load() == best.Load() && record.ID < best.ID) {
			best = record
		}
	}
	if best == nil {
		return nil, ErrNoCapacity
	}
	return best, nil
}

// CanAcceptMore reports whether this instance is below its capacity.
func (r *Registry) CanAcceptMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assigned) < r.config.Capacity
}

// AssignedCount returns the number of agents assigned to this instance.
func (r *Registry) AssignedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.assigned)
}

// Assign claims an agent for this instance. Exactly one of N concurrent
// callers wins; the rest observe false. An assignment held by an expired
// instance is stolen with a bounded delete-and-retry loop.
func (r *Registry) Assign(ctx context.Context, agentID string) (bool, error) {
	r.mu.Lock()
	if r.record == nil {
		r.mu.Unlock()
		return false, ErrNotRegistered
	}
	selfID := r.record.ID
	if len(r.assigned) >= r.config.Capacity {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	key := assignKeyPrefix + agentID
	for attempt := 0; attempt < 3; attempt++ {
		won, err := r.store.SetNX(ctx, key, []byte(selfID), 0)
		if err != nil {
			return false, fmt.Errorf("assign %s: %w", agentID, err)
		}
		if won {
			r.markAssigned(agentID)
			r.logger.Debug("agent assigned", "agent_id", agentID)
			return true, nil
		}

		ownerID, err := r.owner(ctx, agentID)
		if err != nil {
			if errors.Is(err, coordination.ErrNotFound) {
				continue // owner released between SetNX and Get
			}
			return false, err
		}
		if ownerID == selfID {
			r.markAssigned(agentID)
			return true, nil
		}
		alive, err := r.instanceAlive(ctx, ownerID)
		if err != nil {
			return false, err
		}
		if alive {
			return false, nil
		}
		// Owner is dead; clear the stale mapping and race for it again.
		r.logger.Info("stealing assignment from expired instance",
			"agent_id", agentID, "previous_owner", ownerID)
		if err := r.store.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("clear stale assignment %s: %w", agentID, err)
		}
	}
	return false, nil
}

// Unassign releases this instance's claim on an agent. Releasing an agent
// owned by another instance is a no-op.
func (r *Registry) Unassign(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if r.record == nil {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	selfID := r.record.ID
	delete(r.assigned, agentID)
	r.mu.Unlock()

	ownerID, err := r.owner(ctx, agentID)
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("unassign %s: %w", agentID, err)
	}
	if ownerID != selfID {
		return nil
	}
	if err := r.store.Delete(ctx, assignKeyPrefix+agentID); err != nil {
		return fmt.Errorf("unassign %s: %w", agentID, err)
	}
	r.logger.Debug("agent unassigned", "agent_id", agentID)
	return nil
}

// IsOwnedLocally reports whether the store maps the agent to this instance.
// On store failure it fails closed: false plus the error, so callers never
// open a connection on stale knowledge.
func (r *Registry) IsOwnedLocally(ctx context.Context, agentID string) (bool, error) {
	r.mu.Lock()
	if r.record == nil {
		r.mu.Unlock()
		return false, ErrNotRegistered
	}
	selfID := r.record.ID
	r.mu.Unlock()

	ownerID, err := r.owner(ctx, agentID)
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if ownerID != selfID {
		r.mu.Lock()
		delete(r.assigned, agentID)
		r.mu.Unlock()
		return false, nil
	}
	r.markAssigned(agentID)
	return true, nil
}

// Owner returns the instance currently assigned to the agent, or "" if the
// agent is unassigned.
func (r *Registry) Owner(ctx context.Context, agentID string) (string, error) {
	ownerID, err := r.owner(ctx, agentID)
	if errors.Is(err, coordination.ErrNotFound) {
		return "", nil
	}
	return ownerID, err
}

func (r *Registry) owner(ctx context.Context, agentID string) (string, error) {
	payload, err := r.store.Get(ctx, assignKeyPrefix+agentID)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// InstanceAlive reports whether the instance has a non-expired record.
// Reconciliation uses it to decide whether a foreign owner still counts;
// agents held by a dead instance are fair game for Assign's steal path.
func (r *Registry) InstanceAlive(ctx context.Context, instanceID string) (bool, error) {
	return r.instanceAlive(ctx, instanceID)
}

func (r *Registry) instanceAlive(ctx context.Context, instanceID string) (bool, error) {
	payload, err := r.store.Get(ctx, instanceKeyPrefix+instanceID)
	if err != nil {
		if errors.Is(err, coordination.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	var record models.InstanceRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return false, nil
	}
	r.mu.Lock()
	now := r.now()
	r.mu.Unlock()
	return !record.Expired(r.config.HeartbeatTTL, now), nil
}

func (r *Registry) markAssigned(agentID string) {
	r.mu.Lock()
	r.assigned[agentID] = struct{}{}
	r.mu.Unlock()
}
