package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiseki/internal/model"
)

const toolCallColumns = `tool_call_id, message_id, task_id, trace_id, tool_name, args,
	status, result, error, created_at, completed_at`

// CreateToolCall inserts a tool call record. A tool call id already used by
// the same message yields ErrConflict.
func (db *DB) CreateToolCall(ctx context.Context, tc model.ToolCall) error {
	args := tc.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_calls (`+toolCallColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tc.ToolCallID, tc.MessageID, tc.TaskID, tc.TraceID, tc.ToolName, string(args),
		string(tc.Status), tc.Result, tc.Error, tc.CreatedAt, tc.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: tool call %s: %w", tc.ToolCallID, ErrConflict)
		}
		return fmt.Errorf("storage: create tool call: %w", err)
	}
	return nil
}

// UpdateToolCall sets a tool call's status and outcome and returns the updated record.
func (db *DB) UpdateToolCall(ctx context.Context, u ToolCallUpdate) (model.ToolCall, error) {
	tc, err := scanToolCall(db.pool.QueryRow(ctx,
		`UPDATE tool_calls SET status = $3, result = $4, error = $5, completed_at = $6
		 WHERE message_id = $1 AND tool_call_id = $2
		 RETURNING `+toolCallColumns,
		u.MessageID, u.ToolCallID, string(u.Status), u.Result, u.Error, u.CompletedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolCall{}, fmt.Errorf("storage: tool call %s: %w", u.ToolCallID, ErrNotFound)
		}
		return model.ToolCall{}, fmt.Errorf("storage: update tool call: %w", err)
	}
	return tc, nil
}

// GetToolCall retrieves the call toolCallID of a message.
func (db *DB) GetToolCall(ctx context.Context, messageID, toolCallID string) (model.ToolCall, error) {
	tc, err := scanToolCall(db.pool.QueryRow(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE message_id = $1 AND tool_call_id = $2`,
		messageID, toolCallID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolCall{}, fmt.Errorf("storage: tool call %s: %w", toolCallID, ErrNotFound)
		}
		return model.ToolCall{}, fmt.Errorf("storage: get tool call: %w", err)
	}
	return tc, nil
}

// ListToolCallsByMessage returns a message's tool calls in creation order.
func (db *DB) ListToolCallsByMessage(ctx context.Context, messageID string) ([]model.ToolCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE message_id = $1
		 ORDER BY created_at ASC, tool_call_id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls by message: %w", err)
	}
	return collectToolCalls(rows)
}

// ListToolCallsByTask returns a task's tool calls in creation order.
func (db *DB) ListToolCallsByTask(ctx context.Context, taskID string) ([]model.ToolCall, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolCallColumns+` FROM tool_calls WHERE task_id = $1
		 ORDER BY created_at ASC, tool_call_id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool calls by task: %w", err)
	}
	return collectToolCalls(rows)
}

// FailStaleToolCalls marks every PENDING or RUNNING call of a message as
// FAILED with reason. Returns the number of calls changed.
func (db *DB) FailStaleToolCalls(ctx context.Context, messageID, reason string, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tool_calls SET status = 'FAILED', error = $2, completed_at = $3
		 WHERE message_id = $1 AND status IN ('PENDING', 'RUNNING')`,
		messageID, reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: fail stale tool calls: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteToolCallsByTask removes every tool call of a task.
func (db *DB) DeleteToolCallsByTask(ctx context.Context, taskID string) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM tool_calls WHERE task_id = $1`, taskID)
	if err != nil {
		return 0, fmt.Errorf("storage: delete tool calls: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectToolCalls(rows pgx.Rows) ([]model.ToolCall, error) {
	defer rows.Close()
	var calls []model.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool call: %w", err)
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

func scanToolCall(row pgx.Row) (model.ToolCall, error) {
	var (
		tc   model.ToolCall
		args string
	)
	if err := row.Scan(
		&tc.ToolCallID, &tc.MessageID, &tc.TaskID, &tc.TraceID, &tc.ToolName, &args,
		&tc.Status, &tc.Result, &tc.Error, &tc.CreatedAt, &tc.CompletedAt,
	); err != nil {
		return model.ToolCall{}, err
	}
	tc.Args = json.RawMessage(args)
	return tc, nil
}
