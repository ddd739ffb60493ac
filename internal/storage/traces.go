package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiseki/internal/model"
)

const traceColumns = `id, task_id, message_id, workflow_type, status, model, provider,
	prompt_tokens, completion_tokens, total_tokens, retry_count, estimated_cost_millis,
	error_type, error_message, pending_approval, input, started_at, updated_at,
	completed_at, total_duration_ms`

// CreateTrace inserts a new workflow trace.
func (db *DB) CreateTrace(ctx context.Context, t model.WorkflowTrace) error {
	input := t.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if t.WorkflowType == "" {
		t.WorkflowType = model.WorkflowTypeAgentRun
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO traces (`+traceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.ID, t.TaskID, t.MessageID, t.WorkflowType, string(t.Status), t.Model, t.Provider,
		t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.RetryCount, t.EstimatedCostMillis,
		t.ErrorType, t.ErrorMessage, EncodeIDs(t.PendingApproval), []byte(input), t.StartedAt, t.UpdatedAt,
		t.CompletedAt, t.TotalDurationMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create trace %s: %w", t.ID, ErrConflict)
		}
		return fmt.Errorf("storage: create trace: %w", err)
	}
	return nil
}

// GetTrace retrieves a trace by ID.
func (db *DB) GetTrace(ctx context.Context, id string) (model.WorkflowTrace, error) {
	t, err := scanTrace(db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowTrace{}, fmt.Errorf("storage: trace %s: %w", id, ErrNotFound)
		}
		return model.WorkflowTrace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return t, nil
}

// UpdateTrace applies u to a trace that is still STARTED or IN_PROGRESS and
// returns the updated row. A terminal trace yields ErrConflict.
func (db *DB) UpdateTrace(ctx context.Context, id string, u TraceUpdate) (model.WorkflowTrace, error) {
	var status *string
	if u.Status != "" {
		s := string(u.Status)
		status = &s
	}
	t, err := scanTrace(db.pool.QueryRow(ctx,
		`UPDATE traces SET
			status = COALESCE($2::text, status),
			prompt_tokens = prompt_tokens + $3,
			completion_tokens = completion_tokens + $4,
			total_tokens = total_tokens + $3 + $4,
			retry_count = retry_count + $5,
			pending_approval = COALESCE($6::jsonb, pending_approval),
			error_type = CASE WHEN $7::text = '' THEN error_type ELSE $7 END,
			error_message = CASE WHEN $8::text = '' THEN error_message ELSE $8 END,
			completed_at = COALESCE($9, completed_at),
			total_duration_ms = COALESCE($10, total_duration_ms),
			estimated_cost_millis = COALESCE($11, estimated_cost_millis),
			updated_at = $12
		 WHERE id = $1 AND status IN ('STARTED', 'IN_PROGRESS')
		 RETURNING `+traceColumns,
		id, status, u.AddPromptTokens, u.AddCompletionTokens, u.AddRetries, u.PendingJSON(),
		u.ErrorType, u.ErrorMessage, u.CompletedAt, u.TotalDurationMs, u.EstimatedCostMillis, u.UpdatedAt,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTrace{}, fmt.Errorf("storage: update trace: %w", err)
	}
	if _, getErr := db.GetTrace(ctx, id); getErr != nil {
		return model.WorkflowTrace{}, getErr
	}
	return model.WorkflowTrace{}, fmt.Errorf("storage: trace %s is terminal: %w", id, ErrConflict)
}

// ListTracesByTask returns a task's traces, newest first.
func (db *DB) ListTracesByTask(ctx context.Context, taskID string, limit int) ([]model.WorkflowTrace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE task_id = $1
		 ORDER BY started_at DESC, id DESC
		 LIMIT $2`, taskID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	return collectTraces(rows)
}

// ListActiveTraces returns every trace that has not reached a terminal status,
// oldest first.
func (db *DB) ListActiveTraces(ctx context.Context) ([]model.WorkflowTrace, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE status IN ('STARTED', 'IN_PROGRESS')
		 ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active traces: %w", err)
	}
	return collectTraces(rows)
}

func collectTraces(rows pgx.Rows) ([]model.WorkflowTrace, error) {
	defer rows.Close()
	var traces []model.WorkflowTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func scanTrace(row pgx.Row) (model.WorkflowTrace, error) {
	var (
		t       model.WorkflowTrace
		pending []byte
		input   []byte
	)
	err := row.Scan(
		&t.ID, &t.TaskID, &t.MessageID, &t.WorkflowType, &t.Status, &t.Model, &t.Provider,
		&t.PromptTokens, &t.CompletionTokens, &t.TotalTokens, &t.RetryCount, &t.EstimatedCostMillis,
		&t.ErrorType, &t.ErrorMessage, &pending, &input, &t.StartedAt, &t.UpdatedAt,
		&t.CompletedAt, &t.TotalDurationMs,
	)
	if err != nil {
		return model.WorkflowTrace{}, err
	}
	t.PendingApproval = DecodeIDs(pending)
	t.Input = json.RawMessage(input)
	return t, nil
}

// EncodeIDs encodes a list of ids as a JSON array, never null.
func EncodeIDs(ids []string) []byte {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return b
}

// DecodeIDs is the inverse of EncodeIDs; an empty array decodes to nil.
func DecodeIDs(b []byte) []string {
	var ids []string
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &ids); err != nil || len(ids) == 0 {
		return nil
	}
	return ids
}
