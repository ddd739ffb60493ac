// Package storetest holds the behavioural tests every storage.Store
// implementation must pass. Backends call Run from their own _test files.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

// Run executes the shared store tests against s. Every test uses fresh ids,
// so s may be shared with other tests.
func Run(t *testing.T, s storage.Store) {
	t.Run("TraceLifecycle", func(t *testing.T) { testTraceLifecycle(t, s) })
	t.Run("TerminalTraceIsFinal", func(t *testing.T) { testTerminalTraceIsFinal(t, s) })
	t.Run("ListTraces", func(t *testing.T) { testListTraces(t, s) })
	t.Run("Steps", func(t *testing.T) { testSteps(t, s) })
	t.Run("StepNumbersAreUnique", func(t *testing.T) { testStepNumbersUnique(t, s) })
	t.Run("ToolCalls", func(t *testing.T) { testToolCalls(t, s) })
	t.Run("FailStaleToolCalls", func(t *testing.T) { testFailStale(t, s) })
	t.Run("StreamingMetricsMonotonic", func(t *testing.T) { testMetricsMonotonic(t, s) })
	t.Run("StreamChunks", func(t *testing.T) { testStreamChunks(t, s) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, s) })
	t.Run("Approvals", func(t *testing.T) { testApprovals(t, s) })
}

// Now returns a UTC time truncated to microseconds, the precision every backend keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewTrace returns a STARTED trace for task.
func NewTrace(task string) model.WorkflowTrace {
	now := Now()
	return model.WorkflowTrace{
		ID:           model.NewTraceID(now),
		TaskID:       task,
		MessageID:    "msg_" + uuid.NewString(),
		WorkflowType: model.WorkflowTypeAgentRun,
		Status:       model.TraceStatusStarted,
		Model:        "claude-sonnet-4-5",
		Provider:     "anthropic",
		Input:        json.RawMessage(`{"max_turns":4}`),
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func mustTrace(t *testing.T, s storage.Store) model.WorkflowTrace {
	t.Helper()
	tr := NewTrace("task-" + uuid.NewString())
	require.NoError(t, s.CreateTrace(context.Background(), tr))
	return tr
}

func testTraceLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tr := mustTrace(t, s)

	got, err := s.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.TaskID, got.TaskID)
	assert.Equal(t, model.TraceStatusStarted, got.Status)
	assert.JSONEq(t, `{"max_turns":4}`, string(got.Input))
	assert.Nil(t, got.PendingApproval)

	up, err := s.UpdateTrace(ctx, tr.ID, storage.TraceUpdate{
		Status:              model.TraceStatusInProgress,
		AddPromptTokens:     100,
		AddCompletionTokens: 40,
		AddRetries:          1,
		PendingApproval:     &[]string{"call_1", "call_2"},
		UpdatedAt:           Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusInProgress, up.Status)
	assert.EqualValues(t, 140, up.TotalTokens)
	assert.Equal(t, 1, up.RetryCount)
	assert.Equal(t, []string{"call_1", "call_2"}, up.PendingApproval)

	up, err = s.UpdateTrace(ctx, tr.ID, storage.TraceUpdate{
		AddPromptTokens: 10,
		PendingApproval: &[]string{},
		UpdatedAt:       Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusInProgress, up.Status)
	assert.EqualValues(t, 110, up.PromptTokens)
	assert.EqualValues(t, 150, up.TotalTokens)
	assert.Nil(t, up.PendingApproval)

	done := Now()
	dur := int64(1234)
	cost := int64(42)
	up, err = s.UpdateTrace(ctx, tr.ID, storage.TraceUpdate{
		Status:              model.TraceStatusCompleted,
		CompletedAt:         &done,
		TotalDurationMs:     &dur,
		EstimatedCostMillis: &cost,
		UpdatedAt:           done,
	})
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusCompleted, up.Status)
	require.NotNil(t, up.CompletedAt)
	untouched, err := s.GetToolCall(ctx, other, id)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallPending, untouched.Status)
	assert.True(t, done.Equal(*up.CompletedAt))
	require.NotNil(t, up.TotalDurationMs)
	assert.EqualValues(t, 1234, *up.TotalDurationMs)
	assert.EqualValues(t, 42, up.EstimatedCostMillis)

	_, err = s.GetTrace(ctx, "trace_missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testTerminalTraceIsFinal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tr := mustTrace(t, s)

	_, err := s.UpdateTrace(ctx, tr.ID, storage.TraceUpdate{
		Status:       model.TraceStatusFailed,
		ErrorType:    model.ErrorTypeAuth,
		ErrorMessage: "invalid api key",
		UpdatedAt:    Now(),
	})
	require.NoError(t, err)

	_, err = s.UpdateTrace(ctx, tr.ID, storage.TraceUpdate{Status: model.TraceStatusCompleted, UpdatedAt: Now()})
	assert.True(t, errors.Is(err, storage.ErrConflict))

	_, err = s.UpdateTrace(ctx, "trace_missing", storage.TraceUpdate{UpdatedAt: Now()})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	got, err := s.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusFailed, got.Status)
	assert.Equal(t, model.ErrorTypeAuth, got.ErrorType)

	assert.True(t, errors.Is(s.CreateTrace(ctx, tr), storage.ErrConflict))
}

func testListTraces(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := "task-" + uuid.NewString()

	first := NewTrace(task)
	first.StartedAt = first.StartedAt.Add(-time.Minute)
	second := NewTrace(task)
	require.NoError(t, s.CreateTrace(ctx, first))
	require.NoError(t, s.CreateTrace(ctx, second))

	traces, err := s.ListTracesByTask(ctx, task, 10)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, second.ID, traces[0].ID)
	assert.Equal(t, first.ID, traces[1].ID)

	_, err = s.UpdateTrace(ctx, first.ID, storage.TraceUpdate{Status: model.TraceStatusCancelled, UpdatedAt: Now()})
	require.NoError(t, err)

	active, err := s.ListActiveTraces(ctx)
	require.NoError(t, err)
	var ids []string
	for _, a := range active {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, second.ID)
	assert.NotContains(t, ids, first.ID)
}

func newStep(traceID string, n int, typ model.StepType) model.WorkflowStep {
	return model.WorkflowStep{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		StepNumber: n,
		StepType:   typ,
		Status:     model.StepStatusStarted,
		StartedAt:  Now(),
	}
}

func testSteps(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tr := mustTrace(t, s)

	n, err := s.MaxStepNumber(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	call := newStep(tr.ID, 1, model.StepTypeLLMCall)
	require.NoError(t, s.InsertStep(ctx, call))

	deltas := []model.WorkflowStep{newStep(tr.ID, 2, model.StepTypeTextDelta), newStep(tr.ID, 3, model.StepTypeTextDelta)}
	for i := range deltas {
		deltas[i].Status = model.StepStatusCompleted
		deltas[i].Detail = json.RawMessage(`{"chars":12}`)
	}
	copied, err := s.InsertSteps(ctx, deltas)
	require.NoError(t, err)
	assert.EqualValues(t, 2, copied)

	require.NoError(t, s.FinishStep(ctx, storage.StepUpdate{
		ID:          call.ID,
		Status:      model.StepStatusCompleted,
		Detail:      json.RawMessage(`{"finish_reason":"stop"}`),
		CompletedAt: Now(),
		DurationMs:  25,
	}))
	err = s.FinishStep(ctx, storage.StepUpdate{ID: call.ID, Status: model.StepStatusFailed, CompletedAt: Now()})
	assert.True(t, errors.Is(err, storage.ErrConflict))
	err = s.FinishStep(ctx, storage.StepUpdate{ID: uuid.NewString(), Status: model.StepStatusFailed, CompletedAt: Now()})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	steps, err := s.ListSteps(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i+1, st.StepNumber)
	}
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.JSONEq(t, `{"finish_reason":"stop"}`, string(steps[0].Detail))
	require.NotNil(t, steps[0].DurationMs)
	assert.EqualValues(t, 25, *steps[0].DurationMs)

	n, err = s.MaxStepNumber(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func testStepNumbersUnique(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tr := mustTrace(t, s)

	require.NoError(t, s.InsertStep(ctx, newStep(tr.ID, 1, model.StepTypeLLMCall)))
	err := s.InsertStep(ctx, newStep(tr.ID, 1, model.StepTypeRetry))
	assert.True(t, errors.Is(err, storage.ErrConflict))
}

func newToolCall(messageID, taskID, id string) model.ToolCall {
	return model.ToolCall{
		ToolCallID: id,
		MessageID:  messageID,
		TaskID:     taskID,
		ToolName:   "shell",
		Args:       json.RawMessage(`{"b": 2, "a": [1, 2]}`),
		Status:     model.ToolCallPending,
		CreatedAt:  Now(),
	}
}

func testToolCalls(t *testing.T, s storage.Store) {
	ctx := context.Background()
	msg := "msg_" + uuid.NewString()
	task := "task-" + uuid.NewString()
	id := "call_" + uuid.NewString()

	require.NoError(t, s.CreateToolCall(ctx, newToolCall(msg, task, id)))
	assert.True(t, errors.Is(s.CreateToolCall(ctx, newToolCall(msg, task, id)), storage.ErrConflict))

	other := "msg_" + uuid.NewString()
	require.NoError(t, s.CreateToolCall(ctx, newToolCall(other, "task-"+uuid.NewString(), id)), "ids are unique per message")

	got, err := s.GetToolCall(ctx, msg, id)
	require.NoError(t, err)
	assert.Equal(t, `{"b": 2, "a": [1, 2]}`, string(got.Args))
	assert.Equal(t, model.ToolCallPending, got.Status)

	done := Now()
	up, err := s.UpdateToolCall(ctx, storage.ToolCallUpdate{
		MessageID: msg, ToolCallID: id, Status: model.ToolCallCompleted, Result: "ok", CompletedAt: &done,
	})
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallCompleted, up.Status)
	assert.Equal(t, "ok", up.Result)
	require.NotNil(t, up.CompletedAt)
	untouched, err := s.GetToolCall(ctx, other, id)
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallPending, untouched.Status)

	_, err = s.UpdateToolCall(ctx, storage.ToolCallUpdate{MessageID: msg, ToolCallID: "call_missing", Status: model.ToolCallFailed})
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	byMsg, err := s.ListToolCallsByMessage(ctx, msg)
	require.NoError(t, err)
	assert.Len(t, byMsg, 1)
	byTask, err := s.ListToolCallsByTask(ctx, task)
	require.NoError(t, err)
	assert.Len(t, byTask, 1)

	deleted, err := s.DeleteToolCallsByTask(ctx, task)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	_, err = s.GetToolCall(ctx, msg, id)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testFailStale(t *testing.T, s storage.Store) {
	ctx := context.Background()
	msg := "msg_" + uuid.NewString()
	task := "task-" + uuid.NewString()

	pending := newToolCall(msg, task, "call_"+uuid.NewString())
	running := newToolCall(msg, task, "call_"+uuid.NewString())
	running.Status = model.ToolCallRunning
	finished := newToolCall(msg, task, "call_"+uuid.NewString())
	finished.Status = model.ToolCallCompleted
	finished.Result = "done"
	for _, tc := range []model.ToolCall{pending, running, finished} {
		require.NoError(t, s.CreateToolCall(ctx, tc))
	}

	n, err := s.FailStaleToolCalls(ctx, msg, "Tool call did not complete before streaming ended", Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = s.FailStaleToolCalls(ctx, msg, "Tool call did not complete before streaming ended", Now())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	calls, err := s.ListToolCallsByMessage(ctx, msg)
	require.NoError(t, err)
	for _, c := range calls {
		assert.True(t, c.Status.Terminal(), c.ToolCallID)
		if c.ToolCallID == finished.ToolCallID {
			assert.Equal(t, model.ToolCallCompleted, c.Status)
			continue
		}
		assert.Equal(t, "Tool call did not complete before streaming ended", c.Error)
	}
}

func testMetricsMonotonic(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m := model.StreamingMetrics{
		StreamID:           "msg_" + uuid.NewString(),
		TaskID:             "task-" + uuid.NewString(),
		TotalChars:         100,
		TotalDeltas:        10,
		DBWriteCount:       2,
		ThrottleIntervalMs: 100,
		Status:             model.StreamStatusStreaming,
		StartedAt:          Now(),
	}
	require.NoError(t, s.UpsertStreamingMetrics(ctx, m))

	stale := m
	stale.TotalChars = 50
	stale.DBWriteCount = 1
	require.NoError(t, s.UpsertStreamingMetrics(ctx, stale))

	got, err := s.GetStreamingMetrics(ctx, m.StreamID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, got.TotalChars)
	assert.EqualValues(t, 2, got.DBWriteCount)

	end := Now()
	final := m
	final.TotalChars = 120
	final.Status = model.StreamStatusCompleted
	final.EndedAt = &end
	require.NoError(t, s.UpsertStreamingMetrics(ctx, final))

	list, err := s.ListStreamingMetricsByTask(ctx, m.TaskID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, 120, list[0].TotalChars)
	assert.Equal(t, model.StreamStatusCompleted, list[0].Status)
	require.NotNil(t, list[0].EndedAt)

	_, err = s.GetStreamingMetrics(ctx, "msg_missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testStreamChunks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	stream := "msg_" + uuid.NewString()
	for i, text := range []string{"Hel", "lo, ", "world"} {
		require.NoError(t, s.AppendStreamChunk(ctx, model.StreamChunk{
			StreamID: stream, Seq: int64(i + 1), Kind: model.ChunkText, Content: text, CreatedAt: Now(),
		}))
	}
	err := s.AppendStreamChunk(ctx, model.StreamChunk{StreamID: stream, Seq: 1, Kind: model.ChunkText, Content: "x", CreatedAt: Now()})
	assert.True(t, errors.Is(err, storage.ErrConflict))

	all, err := s.ListStreamChunks(ctx, stream, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Hel", all[0].Content)

	rest, err := s.ListStreamChunks(ctx, stream, 2, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "world", rest[0].Content)
	assert.EqualValues(t, 3, rest[0].Seq)
}

func testMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tr := mustTrace(t, s)

	msgs := []model.Message{
		{Seq: 0, Role: model.RoleSystem, Content: "be brief", CreatedAt: Now()},
		{Seq: 1, Role: model.RoleUser, Content: "list files", CreatedAt: Now()},
		{Seq: 2, Role: model.RoleAssistant, ToolCalls: []model.ToolCallRequest{
			{ID: "call_1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)},
		}, CreatedAt: Now()},
	}
	require.NoError(t, s.AppendMessages(ctx, tr.ID, msgs))
	require.NoError(t, s.AppendMessages(ctx, tr.ID, []model.Message{
		{Seq: 3, Role: model.RoleTool, ToolCallID: "call_1", Name: "shell", Content: "a.txt", CreatedAt: Now()},
	}))

	err := s.AppendMessages(ctx, tr.ID, []model.Message{{Seq: 3, Role: model.RoleTool, CreatedAt: Now()}})
	assert.True(t, errors.Is(err, storage.ErrConflict))

	got, err := s.ListMessages(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, model.RoleSystem, got[0].Role)
	require.Len(t, got[2].ToolCalls, 1)
	assert.Equal(t, "shell", got[2].ToolCalls[0].Name)
	assert.JSONEq(t, `{"command":"ls"}`, string(got[2].ToolCalls[0].Arguments))
	assert.Equal(t, "call_1", got[3].ToolCallID)
}

func testApprovals(t *testing.T, s storage.Store) {
	ctx := context.Background()
	tr := mustTrace(t, s)

	_, err := s.GetApproval(ctx, tr.ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	require.NoError(t, s.SaveApproval(ctx, model.ApprovalDecision{
		RunID: tr.ID, ToolCallIDs: []string{"call_1"}, Approved: false, DecidedAt: Now(),
	}))
	require.NoError(t, s.SaveApproval(ctx, model.ApprovalDecision{
		RunID: tr.ID, ToolCallIDs: []string{"call_1", "call_2"}, Approved: true, Reason: "ok", DecidedAt: Now(),
	}))

	got, err := s.GetApproval(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, []string{"call_1", "call_2"}, got.ToolCallIDs)
	assert.Equal(t, "ok", got.Reason)
}
