package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/dispatch/internal/scheduler"
)

// TaskRun is the stored record of a task that reached a terminal state.
type TaskRun struct {
	ID          string
	Title       string
	Description string
	Priority    string
	State       string
	AgentID     string
	AgentTypes  []string
	Resources   []string
	Attempts    int
	Retries     int
	Result      string
	Error       string
	Complexity  string
	Domain      string
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns how long the final attempt ran.
func (r *TaskRun) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

const taskColumns = `id, title, description, priority, state, agent_id, agent_types, resources,
	attempts, retries, result, error, complexity, domain, submitted_at, started_at, finished_at`

// ReportTask upserts a terminal task record. It satisfies scheduler.Reporter.
func (s *SQLiteStore) ReportTask(ctx context.Context, t scheduler.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			priority = excluded.priority,
			state = excluded.state,
			agent_id = excluded.agent_id,
			agent_types = excluded.agent_types,
			resources = excluded.resources,
			attempts = excluded.attempts,
			retries = excluded.retries,
			result = excluded.result,
			error = excluded.error,
			complexity = excluded.complexity,
			domain = excluded.domain,
			submitted_at = excluded.submitted_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`,
		t.ID, t.Title, t.Description, t.Priority.String(), t.State.String(), t.AgentID,
		joinList(t.AgentTypes), joinList(t.Resources), t.Attempts, t.Retries, t.Result, t.Error,
		string(t.Analysis.Complexity), t.Analysis.Domain,
		toNanos(t.SubmittedAt), toNanos(t.StartedAt), toNanos(t.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task run %s: %w", t.ID, err)
	}
	return nil
}

// GetTaskRun retrieves a task run by id.
func (s *SQLiteStore) GetTaskRun(ctx context.Context, taskID string) (*TaskRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_runs WHERE id = ?`, taskID)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task run: %w", err)
	}
	return run, nil
}

// ListTaskRuns returns task runs in submission order. An empty state lists all.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, state string) ([]*TaskRun, error) {
	query := `SELECT ` + taskColumns + ` FROM task_runs`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY submitted_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(sc scanner) (*TaskRun, error) {
	var (
		r                            TaskRun
		agentTypes, resources        string
		submitted, started, finished int64
	)
	err := sc.Scan(&r.ID, &r.Title, &r.Description, &r.Priority, &r.State, &r.AgentID, &agentTypes, &resources,
		&r.Attempts, &r.Retries, &r.Result, &r.Error, &r.Complexity, &r.Domain, &submitted, &started, &finished)
	if err != nil {
		return nil, err
	}
	r.AgentTypes = splitList(agentTypes)
	r.Resources = splitList(resources)
	r.SubmittedAt = fromNanos(submitted)
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(finished)
	return &r, nil
}
