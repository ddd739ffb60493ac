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

// AppendMessages persists conversation messages of a run in one transaction.
// Sequence numbers are assigned by the caller; a reused seq yields ErrConflict.
func (db *DB) AppendMessages(ctx context.Context, runID string, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin append messages: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		batch := &pgx.Batch{}
		for _, m := range msgs {
			calls, err := EncodeToolCalls(m.ToolCalls)
			if err != nil {
				return err
			}
			batch.Queue(
				`INSERT INTO run_messages (run_id, seq, role, content, name, tool_call_id, tool_calls, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				runID, m.Seq, string(m.Role), m.Content, m.Name, m.ToolCallID, calls, m.CreatedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("storage: append messages to %s: %w", runID, ErrConflict)
			}
			return fmt.Errorf("storage: append messages: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit messages: %w", err)
		}
		return nil
	})
}

// ListMessages returns a run's conversation in sequence order.
func (db *DB) ListMessages(ctx context.Context, runID string) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, seq, role, content, name, tool_call_id, tool_calls, created_at
		 FROM run_messages WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m     model.Message
			calls *string
		)
		if err := rows.Scan(&m.RunID, &m.Seq, &m.Role, &m.Content, &m.Name, &m.ToolCallID, &calls, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		if calls != nil {
			if m.ToolCalls, err = DecodeToolCalls(*calls); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// EncodeToolCalls serializes requested tool calls, or returns nil for none.
func EncodeToolCalls(calls []model.ToolCallRequest) (*string, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("storage: encode tool calls: %w", err)
	}
	s := string(b)
	return &s, nil
}

// DecodeToolCalls is the inverse of EncodeToolCalls.
func DecodeToolCalls(s string) ([]model.ToolCallRequest, error) {
	if s == "" {
		return nil, nil
	}
	var calls []model.ToolCallRequest
	if err := json.Unmarshal([]byte(s), &calls); err != nil {
		return nil, fmt.Errorf("storage: decode tool calls: %w", err)
	}
	return calls, nil
}

// SaveApproval stores an approval decision for a run.
func (db *DB) SaveApproval(ctx context.Context, d model.ApprovalDecision) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_approvals (run_id, tool_call_ids, approved, reason, decided_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		d.RunID, EncodeIDs(d.ToolCallIDs), d.Approved, d.Reason, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: save approval: %w", err)
	}
	return nil
}

// GetApproval returns the most recent approval decision of a run.
func (db *DB) GetApproval(ctx context.Context, runID string) (model.ApprovalDecision, error) {
	var (
		d   model.ApprovalDecision
		ids []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT run_id, tool_call_ids, approved, reason, decided_at FROM run_approvals
		 WHERE run_id = $1 ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&d.RunID, &ids, &d.Approved, &d.Reason, &d.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalDecision{}, fmt.Errorf("storage: approval for %s: %w", runID, ErrNotFound)
		}
		return model.ApprovalDecision{}, fmt.Errorf("storage: get approval: %w", err)
	}
	d.ToolCallIDs = DecodeIDs(ids)
	return d, nil
}
