// ABOUTME: Task persistence for the orchestrator
// ABOUTME: Tasks survive restarts so interrupted runs can be inspected and failed over

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/problab/lab-gateway/internal/laberr"
)

const taskColumns = `id, agent_id, conversation_id, correlation_id, kind, stage,
	prompt, status, attempts, reason, output, enqueued_at, started_at, finished_at, deadline`

// CreateTask inserts a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (
			id, agent_id, conversation_id, correlation_id, kind, stage, prompt,
			status, attempts, reason, output, enqueued_at, started_at, finished_at, deadline
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.ConversationID,
		task.CorrelationID,
		task.Kind,
		task.Stage,
		task.Prompt,
		string(task.Status),
		task.Attempts,
		task.Reason,
		task.Output,
		task.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(task.StartedAt),
		formatNullableTime(task.FinishedAt),
		formatNullableTime(task.Deadline),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "agent_id", task.AgentID, "kind", task.Kind)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrTaskNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, laberr.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// GetTaskByCorrelation retrieves the most recent task for a correlation ID.
// Returns ErrTaskNotFound when no task carries the correlation ID.
func (s *SQLiteStore) GetTaskByCorrelation(ctx context.Context, correlationID string) (*Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE correlation_id = ?
		ORDER BY enqueued_at DESC
		LIMIT 1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, correlationID))
	if err == sql.ErrNoRows {
		return nil, laberr.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task by correlation: %w", err)
	}
	return task, nil
}

// UpdateTask persists the task's current state.
// Returns ErrTaskNotFound if the task doesn't exist.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE tasks
		SET status = ?, attempts = ?, stage = ?, reason = ?, output = ?,
		    started_at = ?, finished_at = ?, deadline = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.Status),
		task.Attempts,
		task.Stage,
		task.Reason,
		task.Output,
		formatNullableTime(task.StartedAt),
		formatNullableTime(task.FinishedAt),
		formatNullableTime(task.Deadline),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return laberr.ErrTaskNotFound
	}
	return nil
}

// ListTasksByAgent returns tasks for an agent, oldest first
func (s *SQLiteStore) ListTasksByAgent(ctx context.Context, agentID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE agent_id = ?
		ORDER BY enqueued_at ASC
		LIMIT ?
	`

	return s.queryTasks(ctx, query, agentID, limit)
}

// ListTasksByStatus returns tasks in a given status, oldest first
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ?
		ORDER BY enqueued_at ASC
		LIMIT ?
	`

	return s.queryTasks(ctx, query, string(status), limit)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var status string
	var enqueuedAtStr string
	var startedAt, finishedAt, deadline sql.NullString

	err := row.Scan(
		&task.ID,
		&task.AgentID,
		&task.ConversationID,
		&task.CorrelationID,
		&task.Kind,
		&task.Stage,
		&task.Prompt,
		&status,
		&task.Attempts,
		&task.Reason,
		&task.Output,
		&enqueuedAtStr,
		&startedAt,
		&finishedAt,
		&deadline,
	)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	if task.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAtStr); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at: %w", err)
	}
	if startedAt.Valid && startedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		task.StartedAt = &t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		task.FinishedAt = &t
	}
	if deadline.Valid && deadline.String != "" {
		t, err := time.Parse(time.RFC3339Nano, deadline.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deadline: %w", err)
		}
		task.Deadline = &t
	}

	return &task, nil
}
