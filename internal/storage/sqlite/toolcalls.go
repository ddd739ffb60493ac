package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

const toolCallColumns = `tool_call_id, message_id, task_id, trace_id, tool_name, args,
	status, result, error, created_at, completed_at`

// CreateToolCall inserts a tool call record. A tool call id already used by
// the same message yields storage.ErrConflict.
func (d *DB) CreateToolCall(ctx context.Context, tc model.ToolCall) error {
	args := string(tc.Args)
	if args == "" {
		args = "{}"
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tool_calls (`+toolCallColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tc.ToolCallID, tc.MessageID, tc.TaskID, tc.TraceID, tc.ToolName, args,
		string(tc.Status), tc.Result, tc.Error, ts(tc.CreatedAt), tsPtr(tc.CompletedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: tool call %s: %w", tc.ToolCallID, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: create tool call: %w", err)
	}
	return nil
}

// UpdateToolCall sets a tool call's status and outcome.
func (d *DB) UpdateToolCall(ctx context.Context, u storage.ToolCallUpdate) (model.ToolCall, error) {
	tc, err := scanToolCall(d.db.QueryRowContext(ctx,
		`UPDATE tool_calls SET status = ?, result = ?, error = ?, completed_at = ?
		 WHERE message_id = ? AND tool_call_id = ?
		 RETURNING `+toolCallColumns,
		string(u.Status), u.Result, u.Error, tsPtr(u.CompletedAt), u.MessageID, u.ToolCallID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ToolCall{}, fmt.Errorf("sqlite: tool call %s: %w", u.ToolCallID, storage.ErrNotFound)
		}
		return model.ToolCall{}, fmt.Errorf("sqlite: update tool call: %w", err)
	}
	return tc, nil
}

// GetToolCall retrieves the call toolCallID of a message.
func (d *DB) GetToolCall(ctx context.Context, messageID, toolCallID string) (model.ToolCall, error) {
	tc, err := scanToolCall(d.db.QueryRowContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE message_id = ? AND tool_call_id = ?`,
		messageID, toolCallID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ToolCall{}, fmt.Errorf("sqlite: tool call %s: %w", toolCallID, storage.ErrNotFound)
		}
		return model.ToolCall{}, fmt.Errorf("sqlite: get tool call: %w", err)
	}
	return tc, nil
}

// ListToolCallsByMessage returns a message's tool calls in creation order.
func (d *DB) ListToolCallsByMessage(ctx context.Context, messageID string) ([]model.ToolCall, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE message_id = ?
		 ORDER BY created_at ASC, tool_call_id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool calls by message: %w", err)
	}
	return collectToolCalls(rows)
}

// ListToolCallsByTask returns a task's tool calls in creation order.
func (d *DB) ListToolCallsByTask(ctx context.Context, taskID string) ([]model.ToolCall, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE task_id = ?
		 ORDER BY created_at ASC, tool_call_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool calls by task: %w", err)
	}
	return collectToolCalls(rows)
}

// FailStaleToolCalls fails every PENDING or RUNNING call of a message.
func (d *DB) FailStaleToolCalls(ctx context.Context, messageID, reason string, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = 'FAILED', error = ?, completed_at = ?
		 WHERE message_id = ? AND status IN ('PENDING', 'RUNNING')`,
		reason, ts(now), messageID,
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: fail stale tool calls: %w", err)
	}
	return res.RowsAffected()
}

// DeleteToolCallsByTask removes every tool call of a task.
func (d *DB) DeleteToolCallsByTask(ctx context.Context, taskID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete tool calls: %w", err)
	}
	return res.RowsAffected()
}

func collectToolCalls(rows *sql.Rows) ([]model.ToolCall, error) {
	defer func() { _ = rows.Close() }()
	var calls []model.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func scanToolCall(row scanner) (model.ToolCall, error) {
	var (
		tc           model.ToolCall
		args, status string
		created      int64
		completed    sql.NullInt64
	)
	if err := row.Scan(
		&tc.ToolCallID, &tc.MessageID, &tc.TaskID, &tc.TraceID, &tc.ToolName, &args,
		&status, &tc.Result, &tc.Error, &created, &completed,
	); err != nil {
		return model.ToolCall{}, err
	}
	tc.Args = []byte(args)
	tc.Status = model.ToolCallStatus(status)
	tc.CreatedAt = fromTS(created)
	tc.CompletedAt = fromNullTS(completed)
	return tc, nil
}
