package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

const stepColumns = `id, trace_id, step_number, step_type, status, tool_name, tool_call_id,
	detail, error, started_at, completed_at, duration_ms`

const insertStepSQL = `INSERT INTO workflow_steps (` + stepColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func stepArgs(s model.WorkflowStep) []any {
	return []any{
		s.ID, s.TraceID, s.StepNumber, string(s.StepType), string(s.Status), s.ToolName, s.ToolCallID,
		nullText(s.Detail), s.Error, ts(s.StartedAt), tsPtr(s.CompletedAt), intPtr(s.DurationMs),
	}
}

// InsertStep inserts a single workflow step.
func (d *DB) InsertStep(ctx context.Context, s model.WorkflowStep) error {
	if _, err := d.db.ExecContext(ctx, insertStepSQL, stepArgs(s)...); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: step %s/%d: %w", s.TraceID, s.StepNumber, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: insert step: %w", err)
	}
	return nil
}

// InsertSteps inserts a batch of steps in one transaction.
func (d *DB) InsertSteps(ctx context.Context, steps []model.WorkflowStep) (int64, error) {
	if len(steps) == 0 {
		return 0, nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin insert steps: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertStepSQL)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare insert steps: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range steps {
		if _, err := stmt.ExecContext(ctx, stepArgs(s)...); err != nil {
			if isConstraint(err) {
				return 0, fmt.Errorf("sqlite: insert steps: %w", storage.ErrConflict)
			}
			return 0, fmt.Errorf("sqlite: insert steps: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit steps: %w", err)
	}
	return int64(len(steps)), nil
}

// FinishStep ends a STARTED step.
func (d *DB) FinishStep(ctx context.Context, u storage.StepUpdate) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE workflow_steps
		 SET status = ?, error = ?, detail = COALESCE(?, detail), completed_at = ?, duration_ms = ?
		 WHERE id = ? AND status = 'STARTED'`,
		string(u.Status), u.Error, nullText(u.Detail), ts(u.CompletedAt), u.DurationMs, u.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish step: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_steps WHERE id = ?`, u.ID).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: finish step: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("sqlite: step %s: %w", u.ID, storage.ErrNotFound)
	}
	return fmt.Errorf("sqlite: step %s already ended: %w", u.ID, storage.ErrConflict)
}

// ListSteps returns a trace's steps ordered by step number.
func (d *DB) ListSteps(ctx context.Context, traceID string) ([]model.WorkflowStep, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE trace_id = ? ORDER BY step_number ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []model.WorkflowStep
	for rows.Next() {
		var (
			s                model.WorkflowStep
			typ, status      string
			detail           sql.NullString
			started          int64
			completed, durMs sql.NullInt64
		)
		if err := rows.Scan(
			&s.ID, &s.TraceID, &s.StepNumber, &typ, &status, &s.ToolName, &s.ToolCallID,
			&detail, &s.Error, &started, &completed, &durMs,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		s.StepType = model.StepType(typ)
		s.Status = model.StepStatus(status)
		if detail.Valid && detail.String != "" {
			s.Detail = []byte(detail.String)
		}
		s.StartedAt = fromTS(started)
		s.CompletedAt = fromNullTS(completed)
		s.DurationMs = fromNullInt(durMs)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// MaxStepNumber returns the highest step number used by a trace, or 0.
func (d *DB) MaxStepNumber(ctx context.Context, traceID string) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_number), 0) FROM workflow_steps WHERE trace_id = ?`, traceID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: max step number: %w", err)
	}
	return n, nil
}
