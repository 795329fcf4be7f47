// Package storage persists the durable agent roster. The connection core
// reads the roster and credential blobs and writes back status fields; it
// never deletes agent rows.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/flotilla/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists agents.
type AgentStore interface {
	// Create inserts a new agent row. Used on tenant onboarding.
	Create(ctx context.Context, agent *models.Agent) error

	// Get retrieves an agent by ID.
	Get(ctx context.Context, id string) (*models.Agent, error)

	// List returns agents for a tenant; an empty tenant ID returns all.
	List(ctx context.Context, tenantID string) ([]*models.Agent, error)

	// ListActive returns every agent with is_active set. This is the
	// roster the reconciliation pass derives should-be-connected from.
	ListActive(ctx context.Context) ([]*models.Agent, error)

	// UpdateStatus writes connection status and last error.
	UpdateStatus(ctx context.Context, id string, status models.ConnectionStatus, lastError string) error

	// UpdateHeartbeat records the connection's last liveness signal.
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error

	// SetAssignedInstance records which instance owns the agent.
	SetAssignedInstance(ctx context.Context, id, instanceID string) error

	// SetNeedsReconnection flags the agent for the next reconcile pass.
	SetNeedsReconnection(ctx context.Context, id string, needs bool) error

	// SetActive enables or disables the agent in the roster. Disabled
	// agents are stopped by the next reconcile pass.
	SetActive(ctx context.Context, id string, active bool) error

	// SetCooldown sets or clears the cooldown window. A nil until clears.
	SetCooldown(ctx context.Context, id string, until *time.Time) error

	// SetCredentials writes the durable credential blob.
	SetCredentials(ctx context.Context, id string, blob []byte) error

	// ClearCredentials removes the durable credential blob. The row
	// itself always survives.
	ClearCredentials(ctx context.Context, id string) error

	// Close releases underlying resources.
	Close() error
}
