package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

const traceColumns = `id, task_id, message_id, workflow_type, status, model, provider,
	prompt_tokens, completion_tokens, total_tokens, retry_count, estimated_cost_millis,
	error_type, error_message, pending_approval, input, started_at, updated_at,
	completed_at, total_duration_ms`

// CreateTrace inserts a new workflow trace.
func (d *DB) CreateTrace(ctx context.Context, t model.WorkflowTrace) error {
	input := string(t.Input)
	if input == "" {
		input = "{}"
	}
	if t.WorkflowType == "" {
		t.WorkflowType = model.WorkflowTypeAgentRun
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO traces (`+traceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskID, t.MessageID, t.WorkflowType, string(t.Status), t.Model, t.Provider,
		t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.RetryCount, t.EstimatedCostMillis,
		t.ErrorType, t.ErrorMessage, string(storage.EncodeIDs(t.PendingApproval)), input,
		ts(t.StartedAt), ts(t.UpdatedAt), tsPtr(t.CompletedAt), intPtr(t.TotalDurationMs),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: create trace %s: %w", t.ID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create trace: %w", err)
	}
	return nil
}

// GetTrace retrieves a trace by ID.
func (d *DB) GetTrace(ctx context.Context, id string) (model.WorkflowTrace, error) {
	t, err := scanTrace(d.db.QueryRowContext(ctx, `SELECT `+traceColumns+` FROM traces WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowTrace{}, fmt.Errorf("sqlite: trace %s: %w", id, storage.ErrNotFound)
		}
		return model.WorkflowTrace{}, fmt.Errorf("sqlite: get trace: %w", err)
	}
	return t, nil
}

// UpdateTrace applies u to a non-terminal trace; see storage.Store.
func (d *DB) UpdateTrace(ctx context.Context, id string, u storage.TraceUpdate) (model.WorkflowTrace, error) {
	var status, pending any
	if u.Status != "" {
		status = string(u.Status)
	}
	if p := u.PendingJSON(); p != nil {
		pending = string(p)
	}
	t, err := scanTrace(d.db.QueryRowContext(ctx,
		`UPDATE traces SET
			status = COALESCE(?, status),
			prompt_tokens = prompt_tokens + ?,
			completion_tokens = completion_tokens + ?,
			total_tokens = total_tokens + ?,
			retry_count = retry_count + ?,
			pending_approval = COALESCE(?, pending_approval),
			error_type = CASE WHEN ? = '' THEN error_type ELSE ? END,
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			completed_at = COALESCE(?, completed_at),
			total_duration_ms = COALESCE(?, total_duration_ms),
			estimated_cost_millis = COALESCE(?, estimated_cost_millis),
			updated_at = ?
		 WHERE id = ? AND status IN ('STARTED', 'IN_PROGRESS')
		 RETURNING `+traceColumns,
		status, u.AddPromptTokens, u.AddCompletionTokens, u.AddPromptTokens+u.AddCompletionTokens, u.AddRetries,
		pending, u.ErrorType, u.ErrorType, u.ErrorMessage, u.ErrorMessage,
		tsPtr(u.CompletedAt), intPtr(u.TotalDurationMs), intPtr(u.EstimatedCostMillis), ts(u.UpdatedAt), id,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowTrace{}, fmt.Errorf("sqlite: update trace: %w", err)
	}
	if _, getErr := d.GetTrace(ctx, id); getErr != nil {
		return model.WorkflowTrace{}, getErr
	}
	return model.WorkflowTrace{}, fmt.Errorf("sqlite: trace %s is terminal: %w", id, storage.ErrConflict)
}

// ListTracesByTask returns a task's traces, newest first.
func (d *DB) ListTracesByTask(ctx context.Context, taskID string, limit int) ([]model.WorkflowTrace, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE task_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`, taskID, storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list traces: %w", err)
	}
	return collectTraces(rows)
}

// ListActiveTraces returns every non-terminal trace, oldest first.
func (d *DB) ListActiveTraces(ctx context.Context) ([]model.WorkflowTrace, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE status IN ('STARTED', 'IN_PROGRESS')
		 ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active traces: %w", err)
	}
	return collectTraces(rows)
}

func collectTraces(rows *sql.Rows) ([]model.WorkflowTrace, error) {
	defer func() { _ = rows.Close() }()
	var traces []model.WorkflowTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func scanTrace(row scanner) (model.WorkflowTrace, error) {
	var (
		t                model.WorkflowTrace
		status, pending  string
		input            string
		started, updated int64
		completed, durMs sql.NullInt64
	)
	err := row.Scan(
		&t.ID, &t.TaskID, &t.MessageID, &t.WorkflowType, &status, &t.Model, &t.Provider,
		&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.RetryCount, &t.EstimatedCostMillis,
		&t.ErrorType, &t.ErrorMessage, &pending, &input, &started, &updated,
		&completed, &durMs,
	)
	if err != nil {
		return model.WorkflowTrace{}, err
	}
	t.Status = model.TraceStatus(status)
	t.PendingApproval = storage.DecodeIDs([]byte(pending))
	t.Input = []byte(input)
	t.StartedAt = fromTS(started)
	t.UpdatedAt = fromTS(updated)
	t.CompletedAt = fromNullTS(completed)
	t.TotalDurationMs = fromNullInt(durMs)
	return t, nil
}
