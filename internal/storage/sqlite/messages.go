package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

// AppendMessages persists conversation messages of a run in one transaction.
func (d *DB) AppendMessages(ctx context.Context, runID string, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin append messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		calls, err := storage.EncodeToolCalls(m.ToolCalls)
		if err != nil {
			return err
		}
		var callsArg any
		if calls != nil {
			callsArg = *calls
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_messages (run_id, seq, role, content, name, tool_call_id, tool_calls, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, m.Seq, string(m.Role), m.Content, m.Name, m.ToolCallID, callsArg, ts(m.CreatedAt),
		); err != nil {
			if isConstraint(err) {
				return fmt.Errorf("sqlite: append messages to %s: %w", runID, storage.ErrConflict)
			}
			return fmt.Errorf("sqlite: append messages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit messages: %w", err)
	}
	return nil
}

// ListMessages returns a run's conversation in sequence order.
func (d *DB) ListMessages(ctx context.Context, runID string) ([]model.Message, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT run_id, seq, role, content, name, tool_call_id, tool_calls, created_at
		 FROM run_messages WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m       model.Message
			role    string
			calls   sql.NullString
			created int64
		)
		if err := rows.Scan(&m.RunID, &m.Seq, &role, &m.Content, &m.Name, &m.ToolCallID, &calls, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		m.Role = model.Role(role)
		m.CreatedAt = fromTS(created)
		if calls.Valid {
			if m.ToolCalls, err = storage.DecodeToolCalls(calls.String); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SaveApproval stores an approval decision for a run.
func (d *DB) SaveApproval(ctx context.Context, a model.ApprovalDecision) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO run_approvals (run_id, tool_call_ids, approved, reason, decided_at) VALUES (?, ?, ?, ?, ?)`,
		a.RunID, string(storage.EncodeIDs(a.ToolCallIDs)), a.Approved, a.Reason, ts(a.DecidedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save approval: %w", err)
	}
	return nil
}

// GetApproval returns the most recent approval decision of a run.
func (d *DB) GetApproval(ctx context.Context, runID string) (model.ApprovalDecision, error) {
	var (
		a       model.ApprovalDecision
		ids     string
		decided int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT run_id, tool_call_ids, approved, reason, decided_at FROM run_approvals
		 WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&a.RunID, &ids, &a.Approved, &a.Reason, &decided)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ApprovalDecision{}, fmt.Errorf("sqlite: approval for %s: %w", runID, storage.ErrNotFound)
		}
		return model.ApprovalDecision{}, fmt.Errorf("sqlite: get approval: %w", err)
	}
	a.ToolCallIDs = storage.DecodeIDs([]byte(ids))
	a.DecidedAt = fromTS(decided)
	return a, nil
}
