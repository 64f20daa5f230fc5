// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/problab/lab-gateway/internal/laberr"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists (skip for in-memory databases)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one pooled connection keeps pragmas
	// applied and lets database/sql do the queueing. Also required for
	// :memory:, where each pool connection would get its own database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			model         TEXT NOT NULL DEFAULT '',
			source        TEXT NOT NULL,
			type          TEXT NOT NULL,
			endpoint      TEXT NOT NULL,
			credential    TEXT NOT NULL DEFAULT '',
			capabilities  TEXT NOT NULL DEFAULT '[]',
			temperature   REAL NOT NULL,
			top_p         REAL NOT NULL,
			max_tokens    INTEGER NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			missed_count  INTEGER NOT NULL DEFAULT 0,
			last_seen     TEXT,
			registered_at TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (source IN ('local', 'remote_api', 'cloud')),
			CHECK (type IN ('exo', 'llamacpp', 'openrouter', 'openai')),
			CHECK (status IN ('pending', 'connected', 'degraded', 'unreachable'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			correlation_id  TEXT NOT NULL,
			kind            TEXT NOT NULL,
			stage           TEXT NOT NULL DEFAULT '',
			prompt          TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			reason          TEXT NOT NULL DEFAULT '',
			output          TEXT NOT NULL DEFAULT '',
			enqueued_at     TEXT NOT NULL,
			started_at      TEXT,
			finished_at     TEXT,
			deadline        TEXT,

			CHECK (status IN ('queued', 'running', 'done', 'failed', 'timed_out', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id, enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_correlation ON tasks(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

		CREATE TABLE IF NOT EXISTS bus_events (
			event_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			correlation_id  TEXT NOT NULL DEFAULT '',
			agent_id        TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL,
			seq             INTEGER NOT NULL DEFAULT 0,
			text            TEXT NOT NULL DEFAULT '',
			task_id         TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL DEFAULT '',
			timestamp       TEXT NOT NULL,

			CHECK (type IN ('message', 'token', 'typing', 'task_update',
			                'stream_truncated', 'workflow_progress', 'done', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_bus_events_conversation ON bus_events(conversation_id, seq);
		CREATE INDEX IF NOT EXISTS idx_bus_events_correlation ON bus_events(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_bus_events_timestamp ON bus_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('agents') WHERE name = 'model'`,
			apply:  `ALTER TABLE agents ADD COLUMN model TEXT NOT NULL DEFAULT ''`,
			table:  "agents",
			column: "model",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('tasks') WHERE name = 'stage'`,
			apply:  `ALTER TABLE tasks ADD COLUMN stage TEXT NOT NULL DEFAULT ''`,
			table:  "tasks",
			column: "stage",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('tasks') WHERE name = 'output'`,
			apply:  `ALTER TABLE tasks ADD COLUMN output TEXT NOT NULL DEFAULT ''`,
			table:  "tasks",
			column: "output",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('tasks') WHERE name = 'deadline'`,
			apply:  `ALTER TABLE tasks ADD COLUMN deadline TEXT`,
			table:  "tasks",
			column: "deadline",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		// Column doesn't exist, apply migration
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateAgent inserts a new agent descriptor.
// If an agent with the same ID already exists it returns ErrDuplicateAgent
// and the stored descriptor is left untouched.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (
			id, name, model, source, type, endpoint, credential, capabilities,
			temperature, top_p, max_tokens, status, missed_count, last_seen,
			registered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Model,
		string(agent.Source),
		string(agent.Type),
		agent.Endpoint,
		agent.Credential,
		string(caps),
		agent.Params.Temperature,
		agent.Params.TopP,
		agent.Params.MaxTokens,
		string(agent.Status),
		agent.MissedCount,
		formatNullableTime(agent.LastSeen),
		agent.RegisteredAt.UTC().Format(time.RFC3339Nano),
		agent.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return laberr.ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "type", agent.Type)
	return nil
}

const agentColumns = `id, name, model, source, type, endpoint, credential, capabilities,
	temperature, top_p, max_tokens, status, missed_count, last_seen,
	registered_at, updated_at`

// GetAgent retrieves an agent by ID.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, laberr.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all registered agents ordered by registration time
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY registered_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgent updates a mutable descriptor. The ID is immutable.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		UPDATE agents
		SET name = ?, model = ?, source = ?, type = ?, endpoint = ?, credential = ?,
		    capabilities = ?, temperature = ?, top_p = ?, max_tokens = ?,
		    status = ?, missed_count = ?, last_seen = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		agent.Name,
		agent.Model,
		string(agent.Source),
		string(agent.Type),
		agent.Endpoint,
		agent.Credential,
		string(caps),
		agent.Params.Temperature,
		agent.Params.TopP,
		agent.Params.MaxTokens,
		string(agent.Status),
		agent.MissedCount,
		formatNullableTime(agent.LastSeen),
		agent.UpdatedAt.UTC().Format(time.RFC3339Nano),
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return laberr.ErrAgentNotFound
	}

	s.logger.Debug("updated agent", "id", agent.ID)
	return nil
}

// DeleteAgent removes an agent descriptor.
// Returns ErrAgentNotFound if the agent doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return laberr.ErrAgentNotFound
	}

	s.logger.Debug("deleted agent", "id", id)
	return nil
}

// CountAgents returns the number of registered agents
func (s *SQLiteStore) CountAgents(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return count, nil
}

// UpdateAgentHealth records the sweeper's view of an agent without touching
// the rest of the descriptor.
func (s *SQLiteStore) UpdateAgentHealth(ctx context.Context, id string, status AgentStatus, lastSeen *time.Time, missed int) error {
	query := `
		UPDATE agents
		SET status = ?, last_seen = ?, missed_count = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		formatNullableTime(lastSeen),
		missed,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent health: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return laberr.ErrAgentNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var source, agentType, status, capsJSON string
	var lastSeen sql.NullString
	var registeredAtStr, updatedAtStr string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&agent.Model,
		&source,
		&agentType,
		&agent.Endpoint,
		&agent.Credential,
		&capsJSON,
		&agent.Params.Temperature,
		&agent.Params.TopP,
		&agent.Params.MaxTokens,
		&status,
		&agent.MissedCount,
		&lastSeen,
		&registeredAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	agent.Source = AgentSource(source)
	agent.Type = AgentType(agentType)
	agent.Status = AgentStatus(status)

	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}

	if agent.RegisteredAt, err = time.Parse(time.RFC3339Nano, registeredAtStr); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if lastSeen.Valid && lastSeen.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		agent.LastSeen = &t
	}

	return &agent, nil
}

// formatNullableTime renders an optional time for storage, nil becomes NULL
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
