package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/dispatch/internal/workflow"
)

// WorkflowRun is the stored record of a finished workflow execution.
type WorkflowRun struct {
	ID          string
	WorkflowID  string
	State       string
	Error       string
	FailedSteps []string
	Context     map[string]any
	Triggered   bool
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Steps       []StepRecord
}

// StepRecord is one step of a stored workflow run.
type StepRecord struct {
	StepID     string
	Name       string
	AgentType  string
	AgentID    string
	State      string
	Attempts   int
	Output     string
	Error      string
	SkipReason string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ReportExecution stores a terminal execution and its steps in one
// transaction. It satisfies workflow.Reporter.
func (s *SQLiteStore) ReportExecution(ctx context.Context, exec workflow.Execution) error {
	vars, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("failed to encode context of %s: %w", exec.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, state, error, failed_steps, context, triggered,
			created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			failed_steps = excluded.failed_steps,
			context = excluded.context,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, exec.ID, exec.WorkflowID, string(exec.State), exec.Error, joinList(exec.FailedSteps), string(vars), exec.Triggered,
		toNanos(exec.CreatedAt), toNanos(exec.StartedAt), toNanos(exec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert workflow run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_runs WHERE execution_id = ?`, exec.ID); err != nil {
		return fmt.Errorf("failed to delete old step runs: %w", err)
	}

	for i, st := range exec.Steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO step_runs (execution_id, step_id, position, name, agent_type, agent_id, state,
				attempts, output, error, skip_reason, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, exec.ID, st.ID, i, st.Name, st.AgentType, st.AgentID, string(st.State),
			st.Attempts, st.Output, st.Error, st.SkipReason, toNanos(st.StartedAt), toNanos(st.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to insert step run %s/%s: %w", exec.ID, st.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWorkflowRun retrieves an execution and its steps.
func (s *SQLiteStore) GetWorkflowRun(ctx context.Context, execID string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_runs WHERE id = ?`, execID)
	run, err := scanWorkflowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, execID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow run: %w", err)
	}

	if run.Steps, err = s.stepRecords(ctx, execID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListWorkflowRuns returns executions in creation order without their steps.
// An empty workflowID lists all.
func (s *SQLiteStore) ListWorkflowRuns(ctx context.Context, workflowID string) ([]*WorkflowRun, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflow_runs`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow runs: %w", err)
	}
	return runs, nil
}

const workflowColumns = `id, workflow_id, state, error, failed_steps, context, triggered, created_at, started_at, finished_at`

func scanWorkflowRun(sc scanner) (*WorkflowRun, error) {
	var (
		r                          WorkflowRun
		failedSteps, vars          string
		created, started, finished int64
	)
	err := sc.Scan(&r.ID, &r.WorkflowID, &r.State, &r.Error, &failedSteps, &vars, &r.Triggered, &created, &started, &finished)
	if err != nil {
		return nil, err
	}
	r.FailedSteps = splitList(failedSteps)
	if vars != "" && vars != "null" {
		if err := json.Unmarshal([]byte(vars), &r.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of %s: %w", r.ID, err)
		}
	}
	r.CreatedAt = fromNanos(created)
	r.StartedAt = fromNanos(started)
	r.FinishedAt = fromNanos(finished)
	return &r, nil
}

func (s *SQLiteStore) stepRecords(ctx context.Context, execID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, name, agent_type, agent_id, state, attempts, output, error, skip_reason, started_at, finished_at
		FROM step_runs
		WHERE execution_id = ?
		ORDER BY position
	`, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to query step runs: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var st StepRecord
		var started, finished int64
		if err := rows.Scan(&st.StepID, &st.Name, &st.AgentType, &st.AgentID, &st.State, &st.Attempts,
			&st.Output, &st.Error, &st.SkipReason, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}
		st.StartedAt = fromNanos(started)
		st.FinishedAt = fromNanos(finished)
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step runs: %w", err)
	}
	return steps, nil
}
