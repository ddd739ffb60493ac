package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiseki/internal/model"
)

const stepColumns = `id, trace_id, step_number, step_type, status, tool_name, tool_call_id,
	detail, error, started_at, completed_at, duration_ms`

// InsertStep inserts a single workflow step. A reused step number yields ErrConflict.
func (db *DB) InsertStep(ctx context.Context, s model.WorkflowStep) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO workflow_steps (`+stepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.TraceID, s.StepNumber, string(s.StepType), string(s.Status), s.ToolName, s.ToolCallID,
		nullJSON(s.Detail), s.Error, s.StartedAt, s.CompletedAt, s.DurationMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: step %s/%d: %w", s.TraceID, s.StepNumber, ErrConflict)
		}
		return fmt.Errorf("storage: insert step: %w", err)
	}
	return nil
}

// InsertSteps inserts steps using COPY for batch ingestion.
// Returns the number of rows inserted.
func (db *DB) InsertSteps(ctx context.Context, steps []model.WorkflowStep) (int64, error) {
	if len(steps) == 0 {
		return 0, nil
	}

	columns := []string{
		"id", "trace_id", "step_number", "step_type", "status", "tool_name", "tool_call_id",
		"detail", "error", "started_at", "completed_at", "duration_ms",
	}
	rows := make([][]any, len(steps))
	for i, s := range steps {
		rows[i] = []any{
			s.ID, s.TraceID, s.StepNumber, string(s.StepType), string(s.Status), s.ToolName, s.ToolCallID,
			nullJSON(s.Detail), s.Error, s.StartedAt, s.CompletedAt, s.DurationMs,
		}
	}

	// COPY holds a connection for the whole batch; bound it so a stuck
	// server cannot pin the flush loop forever.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"workflow_steps"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("storage: copy steps: %w", ErrConflict)
		}
		return 0, fmt.Errorf("storage: copy steps: %w", err)
	}
	return copyCount, nil
}

// FinishStep ends a STARTED step. Ending a step twice yields ErrConflict.
func (db *DB) FinishStep(ctx context.Context, u StepUpdate) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_steps
		 SET status = $2, error = $3, detail = COALESCE($4, detail), completed_at = $5, duration_ms = $6
		 WHERE id = $1 AND status = 'STARTED'`,
		u.ID, string(u.Status), u.Error, nullJSON(u.Detail), u.CompletedAt, u.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("storage: finish step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflow_steps WHERE id = $1)`, u.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: finish step: %w", err)
		}
		if !exists {
			return fmt.Errorf("storage: step %s: %w", u.ID, ErrNotFound)
		}
		return fmt.Errorf("storage: step %s already ended: %w", u.ID, ErrConflict)
	}
	return nil
}

// ListSteps returns a trace's steps ordered by step number.
func (db *DB) ListSteps(ctx context.Context, traceID string) ([]model.WorkflowStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE trace_id = $1 ORDER BY step_number ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.WorkflowStep
	for rows.Next() {
		var (
			s      model.WorkflowStep
			detail []byte
		)
		if err := rows.Scan(
			&s.ID, &s.TraceID, &s.StepNumber, &s.StepType, &s.Status, &s.ToolName, &s.ToolCallID,
			&detail, &s.Error, &s.StartedAt, &s.CompletedAt, &s.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		if len(detail) > 0 {
			s.Detail = detail
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// MaxStepNumber returns the highest step number used by a trace, or 0.
func (db *DB) MaxStepNumber(ctx context.Context, traceID string) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(step_number), 0) FROM workflow_steps WHERE trace_id = $1`, traceID,
	).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("storage: max step number: %w", err)
	}
	return n, nil
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
