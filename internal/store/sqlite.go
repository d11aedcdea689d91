// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task/transition persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
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

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			repository_affinity TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_heartbeat DATETIME NOT NULL,
			current_task_id TEXT NOT NULL DEFAULT '',
			registered_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			repository_path TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_agent_id TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status
			ON tasks(status);

		CREATE INDEX IF NOT EXISTS idx_tasks_created
			ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS transitions (
			id TEXT PRIMARY KEY,
			entity_kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			old_state TEXT NOT NULL DEFAULT '',
			new_state TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_entity
			ON transitions(entity_kind, entity_id, timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}

	return nil
}

// SaveAgent inserts or updates an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent *AgentRecord) error {
	query := `
		INSERT INTO agents (id, repository_affinity, status, last_heartbeat, current_task_id, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_affinity = excluded.repository_affinity,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			current_task_id = excluded.current_task_id,
			registered_at = excluded.registered_at
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.RepositoryAffinity,
		agent.Status,
		agent.LastHeartbeat.UTC().Format(time.RFC3339),
		agent.CurrentTaskID,
		agent.RegisteredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving agent: %w", err)
	}

	s.logger.Debug("saved agent", "id", agent.ID, "status", agent.Status)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	query := `
		SELECT id, repository_affinity, status, last_heartbeat, current_task_id, registered_at
		FROM agents
		WHERE id = ?
	`

	var agent AgentRecord
	var heartbeatStr, registeredStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&agent.ID,
		&agent.RepositoryAffinity,
		&agent.Status,
		&heartbeatStr,
		&agent.CurrentTaskID,
		&registeredStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	agent.LastHeartbeat, err = time.Parse(time.RFC3339, heartbeatStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}

	agent.RegisteredAt, err = time.Parse(time.RFC3339, registeredStr)
	if err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}

	return &agent, nil
}

// ListAgents returns all agent records ordered by registration time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*AgentRecord, error) {
	query := `
		SELECT id, repository_affinity, status, last_heartbeat, current_task_id, registered_at
		FROM agents
		ORDER BY registered_at, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*AgentRecord
	for rows.Next() {
		var agent AgentRecord
		var heartbeatStr, registeredStr string

		if err := rows.Scan(
			&agent.ID,
			&agent.RepositoryAffinity,
			&agent.Status,
			&heartbeatStr,
			&agent.CurrentTaskID,
			&registeredStr,
		); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}

		agent.LastHeartbeat, err = time.Parse(time.RFC3339, heartbeatStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		agent.RegisteredAt, err = time.Parse(time.RFC3339, registeredStr)
		if err != nil {
			return nil, fmt.Errorf("parsing registered_at: %w", err)
		}

		agents = append(agents, &agent)
	}

	return agents, rows.Err()
}

// SaveTask inserts or updates a task record.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *TaskRecord) error {
	query := `
		INSERT INTO tasks (id, command, repository_path, priority, status, assigned_agent_id, outcome, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command = excluded.command,
			repository_path = excluded.repository_path,
			priority = excluded.priority,
			status = excluded.status,
			assigned_agent_id = excluded.assigned_agent_id,
			outcome = excluded.outcome,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Command,
		task.RepositoryPath,
		task.Priority,
		task.Status,
		task.AssignedAgentID,
		task.Outcome,
		task.CreatedAt.UTC().Format(time.RFC3339),
		nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("saving task: %w", err)
	}

	s.logger.Debug("saved task", "id", task.ID, "status", task.Status)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	query := `
		SELECT id, command, repository_path, priority, status, assigned_agent_id, outcome, created_at, started_at, completed_at
		FROM tasks
		WHERE id = ?
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	return task, nil
}

// ListTasks returns the most recent tasks, newest first.
// A limit of 0 means no limit.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]*TaskRecord, error) {
	query := `
		SELECT id, command, repository_path, priority, status, assigned_agent_id, outcome, created_at, started_at, completed_at
		FROM tasks
		ORDER BY created_at DESC, id
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// RecordTransition appends one entry to the status audit trail.
func (s *SQLiteStore) RecordTransition(ctx context.Context, tr *Transition) error {
	query := `
		INSERT INTO transitions (id, entity_kind, entity_id, old_state, new_state, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		tr.ID,
		tr.EntityKind,
		tr.EntityID,
		tr.OldState,
		tr.NewState,
		tr.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}

	return nil
}

// ListTransitions returns the audit trail for one entity, oldest first.
// A limit of 0 means no limit.
func (s *SQLiteStore) ListTransitions(ctx context.Context, entityKind, entityID string, limit int) ([]*Transition, error) {
	query := `
		SELECT id, entity_kind, entity_id, old_state, new_state, timestamp
		FROM transitions
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY timestamp, id
	`
	args := []any{entityKind, entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*Transition
	for rows.Next() {
		var tr Transition
		var tsStr string

		if err := rows.Scan(&tr.ID, &tr.EntityKind, &tr.EntityID, &tr.OldState, &tr.NewState, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}

		tr.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		transitions = append(transitions, &tr)
	}

	return transitions, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	var task TaskRecord
	var createdStr string
	var startedStr, completedStr sql.NullString

	err := row.Scan(
		&task.ID,
		&task.Command,
		&task.RepositoryPath,
		&task.Priority,
		&task.Status,
		&task.AssignedAgentID,
		&task.Outcome,
		&createdStr,
		&startedStr,
		&completedStr,
	)
	if err != nil {
		return nil, err
	}

	task.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	if startedStr.Valid {
		task.StartedAt, err = time.Parse(time.RFC3339, startedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
	}
	if completedStr.Valid {
		task.CompletedAt, err = time.Parse(time.RFC3339, completedStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
	}

	return &task, nil
}

// nullableTime maps the zero time to NULL so optional timestamps
// round-trip without a fake epoch value.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
