package trace

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/storage/sqlite"
	"github.com/ashita-ai/kiseki/internal/testutil"
)

type stepNotifier struct {
	mu     sync.Mutex
	events []StepEvent
}

func (n *stepNotifier) Notify(_ context.Context, channel, payload string) error {
	if channel != storage.ChannelSteps {
		return nil
	}
	var ev StepEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return err
	}
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func newRecorder(t *testing.T) (*Recorder, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "trace.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRecorder(db, nil, nil, testutil.TestLogger()), db
}

func TestTraceLifecycle(t *testing.T) {
	ctx := context.Background()
	r, _ := newRecorder(t)

	tr, err := r.StartTrace(ctx, StartInput{TaskID: "task-1", MessageID: "msg_1", Model: "gpt-4o", Provider: "openai"})
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusStarted, tr.Status)
	assert.Regexp(t, `^trace_[0-9a-z]+_[0-9a-z]{8}$`, tr.ID)

	require.NoError(t, r.MarkInProgress(ctx, tr.ID))
	require.NoError(t, r.AddUsage(ctx, tr.ID, 1_000_000, 100_000))
	require.NoError(t, r.IncrementRetry(ctx, tr.ID))
	require.NoError(t, r.SetPendingApproval(ctx, tr.ID, []string{"call_1"}))

	done, err := r.Complete(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusCompleted, done.Status)
	assert.Equal(t, int64(1_100_000), done.TotalTokens)
	assert.Equal(t, 1, done.RetryCount)
	assert.Empty(t, done.PendingApproval)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.TotalDurationMs)
	// 1M prompt at 250 cents plus 0.1M completion at 1000 cents.
	assert.Equal(t, int64(35_000), done.EstimatedCostMillis)
}

func TestTerminalTraceRejectsTransitions(t *testing.T) {
	ctx := context.Background()
	r, _ := newRecorder(t)
	tr, err := r.StartTrace(ctx, StartInput{TaskID: "task-1", Model: "m"})
	require.NoError(t, err)

	failed, err := r.Fail(ctx, tr.ID, model.ErrorTypeAuth, "Authentication failed")
	require.NoError(t, err)
	assert.Equal(t, model.ErrorTypeAuth, failed.ErrorType)

	_, err = r.Complete(ctx, tr.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, r.MarkInProgress(ctx, tr.ID), ErrTerminal)
	_, err = r.Cancel(ctx, tr.ID, "stopped")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestStartedTraceCanCancelDirectly(t *testing.T) {
	ctx := context.Background()
	r, _ := newRecorder(t)
	tr, err := r.StartTrace(ctx, StartInput{TaskID: "task-1", Model: "m"})
	require.NoError(t, err)

	c, err := r.Cancel(ctx, tr.ID, "Run stopped by user")
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusCancelled, c.Status)
	assert.Equal(t, model.ErrorTypeCancelled, c.ErrorType)
}

func TestStepsAreNumberedInOrder(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "trace.db"), testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	n := &stepNotifier{}
	r := NewRecorder(db, nil, n, testutil.TestLogger())

	tr, err := r.StartTrace(ctx, StartInput{TaskID: "task-1", Model: "m"})
	require.NoError(t, err)

	llm, err := r.BeginStep(ctx, tr.ID, StepInput{Type: model.StepTypeLLMCall})
	require.NoError(t, err)
	_, err = r.RecordStep(ctx, tr.ID, StepInput{Type: model.StepTypeRetry, Detail: map[string]any{"attempt": 1}}, model.StepStatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, r.RecordDelta(ctx, tr.ID, model.ChunkText, 12))
	ended, err := r.EndStep(ctx, llm, model.StepStatusCompleted, "", map[string]any{"tool_calls": 0})
	require.NoError(t, err)
	assert.NotNil(t, ended.DurationMs)

	_, err = r.EndStep(ctx, llm, model.StepStatusFailed, "again", nil)
	assert.ErrorIs(t, err, ErrStepFinished)

	steps, err := r.TraceSteps(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.Equal(t, model.StepTypeLLMCall, steps[0].StepType)
	assert.Equal(t, model.StepStatusCompleted, steps[0].Status)
	assert.JSONEq(t, `{"tool_calls":0}`, string(steps[0].Detail))
	assert.Equal(t, model.StepTypeTextDelta, steps[2].StepType)

	n.mu.Lock()
	assert.Len(t, n.events, 3, "deltas are not published")
	n.mu.Unlock()

	require.NoError(t, r.SetPendingApproval(ctx, tr.ID, []string{"call_1"}))
	_, err = r.Complete(ctx, tr.ID)
	require.NoError(t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.events, 5)
	assert.Equal(t, tr.ID, n.events[4].RunID)
	assert.Zero(t, n.events[4].StepNumber)
	assert.Equal(t, model.TraceStatusCompleted, n.events[4].TraceStatus)
}

func TestStepNumbersSeedFromStore(t *testing.T) {
	ctx := context.Background()
	r, db := newRecorder(t)
	tr, err := r.StartTrace(ctx, StartInput{TaskID: "task-1", Model: "m"})
	require.NoError(t, err)
	_, err = r.RecordStep(ctx, tr.ID, StepInput{Type: model.StepTypeLLMCall}, model.StepStatusCompleted, "")
	require.NoError(t, err)

	// A fresh recorder after a restart continues the numbering.
	r2 := NewRecorder(db, nil, nil, testutil.TestLogger())
	s, err := r2.RecordStep(ctx, tr.ID, StepInput{Type: model.StepTypeToolCall}, model.StepStatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.StepNumber)
}

func TestRecordDeltaThroughBuffer(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "trace.db"), testutil.TestLogger())
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	buf := NewBuffer(db, testutil.TestLogger(), 100, time.Hour)
	r := NewRecorder(db, buf, nil, testutil.TestLogger())

	tr, err := r.StartTrace(ctx, StartInput{TaskID: "task-1", Model: "m"})
	require.NoError(t, err)
	require.NoError(t, r.RecordDelta(ctx, tr.ID, model.ChunkText, 5))
	require.NoError(t, r.RecordDelta(ctx, tr.ID, model.ChunkText, 7))
	assert.Equal(t, 2, buf.Len())

	buf.Flush(ctx)
	steps, err := r.TraceSteps(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestTaskMetrics(t *testing.T) {
	ctx := context.Background()
	r, db := newRecorder(t)

	ok, err := r.StartTrace(ctx, StartInput{TaskID: "task-m", Model: "gpt-4o"})
	require.NoError(t, err)
	require.NoError(t, r.AddUsage(ctx, ok.ID, 1000, 500))
	_, err = r.Complete(ctx, ok.ID)
	require.NoError(t, err)

	bad, err := r.StartTrace(ctx, StartInput{TaskID: "task-m", Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = r.Fail(ctx, bad.ID, model.ErrorTypeNonTransient, "boom")
	require.NoError(t, err)

	require.NoError(t, db.UpsertStreamingMetrics(ctx, model.StreamingMetrics{
		StreamID: "msg_a", TaskID: "task-m", TotalChars: 300, TotalDeltas: 30, DBWriteCount: 3,
		ThrottleIntervalMs: 100, Status: model.StreamStatusCompleted, StartedAt: time.Now().UTC(),
	}))

	m, err := r.TaskMetrics(ctx, "task-m")
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalTraces)
	assert.Equal(t, 1, m.CompletedTraces)
	assert.Equal(t, 1, m.FailedTraces)
	assert.InDelta(t, 50.0, m.SuccessRate, 0.001)
	assert.Equal(t, int64(1500), m.TotalTokens)
	assert.Equal(t, float64(100), m.AvgCharsPerWrite)
	assert.Equal(t, 1, m.StreamingMetricsCount)
	assert.InDelta(t, MillicentsToDollars(m.TotalCostMillicents), m.TotalCostDollars, 1e-9)
}

func TestEstimateCost(t *testing.T) {
	assert.Equal(t, int64(60_000), EstimateCostMillicents("claude-sonnet-4-20250514", 1_000_000, 200_000))
	assert.Equal(t, int64(20_000), EstimateCostMillicents("unknown-model", 1_000_000, 1_000_000))
	assert.Equal(t, int64(0), EstimateCostMillicents("mistralai/devstral-2505", 5_000_000, 5_000_000))
}
