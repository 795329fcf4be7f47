package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/flotilla/pkg/models"
)

// MemoryAgentStore provides an in-memory AgentStore for tests and
// single-node development.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryAgentStore creates an empty in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	copied := *agent
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	copied.UpdatedAt = copied.CreatedAt
	if copied.Status == "" {
		copied.Status = models.StatusDisconnected
	}
	s.agents[agent.ID] = &copied
	return nil
}

func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (s *MemoryAgentStore) List(ctx context.Context, tenantID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if tenantID != "" && agent.TenantID != tenantID {
			continue
		}
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *MemoryAgentStore) ListActive(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if !agent.IsActive {
			continue
		}
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *MemoryAgentStore) UpdateStatus(ctx context.Context, id string, status models.ConnectionStatus, lastError string) error {
	return s.update(id, func(agent *models.Agent) {
		agent.Status = status
		agent.LastError = lastError
	})
}

func (s *MemoryAgentStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(agent *models.Agent) {
		agent.LastHeartbeat = at
	})
}

func (s *MemoryAgentStore) SetAssignedInstance(ctx context.Context, id, instanceID string) error {
	return s.update(id, func(agent *models.Agent) {
		agent.AssignedInstance = instanceID
	})
}

func (s *MemoryAgentStore) SetNeedsReconnection(ctx context.Context, id string, needs bool) error {
	return s.update(id, func(agent *models.Agent) {
		agent.NeedsReconnection = needs
	})
}

func (s *MemoryAgentStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update(id, func(agent *models.Agent) {
		agent.IsActive = active
	})
}

func (s *MemoryAgentStore) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	return s.update(id, func(agent *models.Agent) {
		agent.CooldownUntil = until
	})
}

func (s *MemoryAgentStore) SetCredentials(ctx context.Context, id string, blob []byte) error {
	copied := make([]byte, len(blob))
	copy(copied, blob)
	return s.update(id, func(agent *models.Agent) {
		agent.Credentials = copied
	})
}

func (s *MemoryAgentStore) ClearCredentials(ctx context.Context, id string) error {
	return s.update(id, func(agent *models.Agent) {
		agent.Credentials = nil
	})
}

func (s *MemoryAgentStore) Close() error { return nil }

func (s *MemoryAgentStore) update(id string, apply func(*models.Agent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	apply(agent)
	agent.UpdatedAt = time.Now()
	return nil
}
