package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/haasonsaas/flotilla/pkg/models"
)

const agentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	display_name       TEXT NOT NULL DEFAULT '',
	phone_number       TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'disconnected',
	assigned_instance  TEXT NOT NULL DEFAULT '',
	is_active          INTEGER NOT NULL DEFAULT 1,
	credentials        BLOB,
	last_error         TEXT NOT NULL DEFAULT '',
	last_heartbeat     TIMESTAMP,
	needs_reconnection INTEGER NOT NULL DEFAULT 0,
	cooldown_until     TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);
CREATE INDEX IF NOT EXISTS idx_agents_active ON agents(is_active);
`

// SQLiteAgentStore is the durable AgentStore backed by SQLite.
type SQLiteAgentStore struct {
	db *sql.DB
}

// NewSQLiteAgentStore opens (and migrates) the agent database at path.
func NewSQLiteAgentStore(path string) (*SQLiteAgentStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(agentSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteAgentStore{db: db}, nil
}

func (s *SQLiteAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	now := time.Now().UTC()
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := agent.Status
	if status == "" {
		status = models.StatusDisconnected
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, tenant_id, display_name, phone_number, status,
			assigned_instance, is_active, credentials, last_error,
			last_heartbeat, needs_reconnection, cooldown_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.TenantID, agent.DisplayName, agent.PhoneNumber, string(status),
		agent.AssignedInstance, agent.IsActive, agent.Credentials, agent.LastError,
		nullableTime(agent.LastHeartbeat), agent.NeedsReconnection,
		agent.CooldownUntil, createdAt, createdAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

const agentColumns = `id, tenant_id, display_name, phone_number, status,
	assigned_instance, is_active, credentials, last_error,
	last_heartbeat, needs_reconnection, cooldown_until, created_at, updated_at`

func (s *SQLiteAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func (s *SQLiteAgentStore) List(ctx context.Context, tenantID string) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id`
	return s.queryAgents(ctx, query, args...)
}

func (s *SQLiteAgentStore) ListActive(ctx context.Context) ([]*models.Agent, error) {
	return s.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE is_active = 1 ORDER BY id`)
}

func (s *SQLiteAgentStore) UpdateStatus(ctx context.Context, id string, status models.ConnectionStatus, lastError string) error {
	return s.exec(ctx,
		`UPDATE agents SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx,
		`UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) SetAssignedInstance(ctx context.Context, id, instanceID string) error {
	return s.exec(ctx,
		`UPDATE agents SET assigned_instance = ?, updated_at = ? WHERE id = ?`,
		instanceID, time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) SetNeedsReconnection(ctx context.Context, id string, needs bool) error {
	return s.exec(ctx,
		`UPDATE agents SET needs_reconnection = ?, updated_at = ? WHERE id = ?`,
		needs, time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.exec(ctx,
		`UPDATE agents SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) SetCooldown(ctx context.Context, id string, until *time.Time) error {
	return s.exec(ctx,
		`UPDATE agents SET cooldown_until = ?, updated_at = ? WHERE id = ?`,
		until, time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) SetCredentials(ctx context.Context, id string, blob []byte) error {
	return s.exec(ctx,
		`UPDATE agents SET credentials = ?, updated_at = ? WHERE id = ?`,
		blob, time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) ClearCredentials(ctx context.Context, id string) error {
	return s.exec(ctx,
		`UPDATE agents SET credentials = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
}

func (s *SQLiteAgentStore) Close() error { return s.db.Close() }

func (s *SQLiteAgentStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteAgentStore) queryAgents(ctx context.Context, query string, args ...any) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent         models.Agent
		status        string
		lastHeartbeat sql.NullTime
		cooldownUntil sql.NullTime
	)
	err := row.Scan(&agent.ID, &agent.TenantID, &agent.DisplayName, &agent.PhoneNumber,
		&status, &agent.AssignedInstance, &agent.IsActive, &agent.Credentials,
		&agent.LastError, &lastHeartbeat, &agent.NeedsReconnection, &cooldownUntil,
		&agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	agent.Status = models.ConnectionStatus(status)
	if lastHeartbeat.Valid {
		agent.LastHeartbeat = lastHeartbeat.Time
	}
	if cooldownUntil.Valid {
		t := cooldownUntil.Time
		agent.CooldownUntil = &t
	}
	return &agent, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
