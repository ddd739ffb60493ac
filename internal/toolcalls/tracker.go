// Package toolcalls records the request and result lifecycle of every tool
// invocation and sweeps calls left unfinished when their message ends.
package toolcalls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiseki/internal/metrics"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

// StaleReason is the error recorded on calls swept by FailStaleRunning.
const StaleReason = "Tool call did not complete before streaming ended"

// ErrInvalidStatus is returned for a status the operation does not accept.
var ErrInvalidStatus = errors.New("toolcalls: invalid status")

// Store is the persistence the tracker needs.
type Store interface {
	CreateToolCall(ctx context.Context, tc model.ToolCall) error
	UpdateToolCall(ctx context.Context, u storage.ToolCallUpdate) (model.ToolCall, error)
	GetToolCall(ctx context.Context, messageID, toolCallID string) (model.ToolCall, error)
	ListToolCallsByMessage(ctx context.Context, messageID string) ([]model.ToolCall, error)
	ListToolCallsByTask(ctx context.Context, taskID string) ([]model.ToolCall, error)
	FailStaleToolCalls(ctx context.Context, messageID, reason string, now time.Time) (int64, error)
	DeleteToolCallsByTask(ctx context.Context, taskID string) (int64, error)
}

// Tracker is safe for concurrent use.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput describes a tool call the model requested.
type CreateInput struct {
	MessageID  string
	TaskID     string
	TraceID    string
	ToolName   string
	Args       json.RawMessage
	ToolCallID string               // generated when empty
	Status     model.ToolCallStatus // PENDING (default) or RUNNING
}

// Create records a new tool call. A ToolCallID the message already uses
// returns an error wrapping storage.ErrConflict; other messages may reuse it.
func (t *Tracker) Create(ctx context.Context, in CreateInput) (model.ToolCall, error) {
	if in.MessageID == "" || in.ToolName == "" {
		return model.ToolCall{}, fmt.Errorf("toolcalls: message id and tool name are required")
	}
	status := in.Status
	if status == "" {
		status = model.ToolCallPending
	}
	if status != model.ToolCallPending && status != model.ToolCallRunning {
		return model.ToolCall{}, fmt.Errorf("%w: create with %s", ErrInvalidStatus, status)
	}
	id := in.ToolCallID
	if id == "" {
		id = "call_" + uuid.NewString()
	}

	tc := model.ToolCall{
		ToolCallID: id,
		MessageID:  in.MessageID,
		TaskID:     in.TaskID,
		TraceID:    in.TraceID,
		ToolName:   in.ToolName,
		Args:       in.Args,
		Status:     status,
		CreatedAt:  t.now(),
	}
	if err := t.store.CreateToolCall(ctx, tc); err != nil {
		return model.ToolCall{}, fmt.Errorf("toolcalls: create %s: %w", id, err)
	}
	t.logger.Debug("toolcalls: created", "tool_call_id", id, "tool", in.ToolName, "message_id", in.MessageID)
	return tc, nil
}

// MarkRunning moves a PENDING call to RUNNING. It is a no-op for a call that
// is already RUNNING and an error for a finished one.
func (t *Tracker) MarkRunning(ctx context.Context, messageID, toolCallID string) (model.ToolCall, error) {
	tc, err := t.store.GetToolCall(ctx, messageID, toolCallID)
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("toolcalls: mark running: %w", err)
	}
	switch tc.Status {
	case model.ToolCallRunning:
		return tc, nil
	case model.ToolCallPending:
	default:
		return model.ToolCall{}, fmt.Errorf("%w: %s is already %s", ErrInvalidStatus, toolCallID, tc.Status)
	}
	tc, err = t.store.UpdateToolCall(ctx, storage.ToolCallUpdate{MessageID: messageID, ToolCallID: toolCallID, Status: model.ToolCallRunning})
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("toolcalls: mark running: %w", err)
	}
	return tc, nil
}

// UpdateResult records the outcome of a call. status must be COMPLETED or
// FAILED; an unknown id returns an error wrapping storage.ErrNotFound.
func (t *Tracker) UpdateResult(ctx context.Context, messageID, toolCallID string, status model.ToolCallStatus, result, errMsg string) (model.ToolCall, error) {
	if !status.Terminal() {
		return model.ToolCall{}, fmt.Errorf("%w: update result with %s", ErrInvalidStatus, status)
	}
	now := t.now()
	tc, err := t.store.UpdateToolCall(ctx, storage.ToolCallUpdate{
		MessageID:   messageID,
		ToolCallID:  toolCallID,
		Status:      status,
		Result:      result,
		Error:       errMsg,
		CompletedAt: &now,
	})
	if err != nil {
		return model.ToolCall{}, fmt.Errorf("toolcalls: update result: %w", err)
	}
	if status == model.ToolCallFailed {
		t.logger.Info("toolcalls: call failed", "tool_call_id", toolCallID, "tool", tc.ToolName, "error", errMsg)
	}
	return tc, nil
}

// FailStaleRunning fails every PENDING or RUNNING call of a message with
// StaleReason. A second call for the same message changes nothing.
func (t *Tracker) FailStaleRunning(ctx context.Context, messageID string) (int, error) {
	n, err := t.store.FailStaleToolCalls(ctx, messageID, StaleReason, t.now())
	if err != nil {
		return 0, fmt.Errorf("toolcalls: fail stale: %w", err)
	}
	if n > 0 {
		metrics.StaleToolCalls.Add(float64(n))
		t.logger.Warn("toolcalls: swept stale tool calls", "message_id", messageID, "count", n)
	}
	return int(n), nil
}

// ByMessage returns a message's calls in creation order.
func (t *Tracker) ByMessage(ctx context.Context, messageID string) ([]model.ToolCall, error) {
	return t.store.ListToolCallsByMessage(ctx, messageID)
}

// ByTask returns a task's calls in creation order.
func (t *Tracker) ByTask(ctx context.Context, taskID string) ([]model.ToolCall, error) {
	return t.store.ListToolCallsByTask(ctx, taskID)
}

// ByToolCallID returns the call toolCallID of a message.
func (t *Tracker) ByToolCallID(ctx context.Context, messageID, toolCallID string) (model.ToolCall, error) {
	return t.store.GetToolCall(ctx, messageID, toolCallID)
}

// DeleteByTask removes a task's calls and returns how many were deleted.
func (t *Tracker) DeleteByTask(ctx context.Context, taskID string) (int, error) {
	n, err := t.store.DeleteToolCallsByTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("toolcalls: delete: %w", err)
	}
	t.logger.Info("toolcalls: deleted task tool calls", "task_id", taskID, "count", n)
	return int(n), nil
}
