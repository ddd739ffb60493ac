package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/orchestrator"
	"github.com/ashita-ai/kiseki/internal/provider"
	"github.com/ashita-ai/kiseki/internal/retry"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/storage/sqlite"
	"github.com/ashita-ai/kiseki/internal/streaming"
	"github.com/ashita-ai/kiseki/internal/testutil"
	"github.com/ashita-ai/kiseki/internal/toolcalls"
	"github.com/ashita-ai/kiseki/internal/tools"
)

type turnFunc func(ctx context.Context, req provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error)

// scriptedModel answers each Generate call with the next turn.
type scriptedModel struct {
	mu    sync.Mutex
	turns []turnFunc
	seen  [][]model.Message
}

func (m *scriptedModel) Name() string { return "stub" }

func (m *scriptedModel) Generate(ctx context.Context, req provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error) {
	m.mu.Lock()
	i := len(m.seen)
	m.seen = append(m.seen, req.Messages)
	m.mu.Unlock()
	if i >= len(m.turns) {
		return nil, errors.New("unexpected model call")
	}
	return m.turns[i](ctx, req, onChunk)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *scriptedModel) request(i int) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[i]
}

func say(text string, calls ...model.ToolCallRequest) turnFunc {
	return func(_ context.Context, _ provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error) {
		if text != "" {
			if err := onChunk(provider.Chunk{Kind: model.ChunkText, Text: text}); err != nil {
				return nil, err
			}
		}
		for i := range calls {
			if err := onChunk(provider.Chunk{Kind: model.ChunkToolCall, ToolCall: &calls[i]}); err != nil {
				return nil, err
			}
		}
		return &provider.Response{
			Content:    text,
			ToolCalls:  calls,
			Usage:      model.Usage{PromptTokens: 100, CompletionTokens: 20},
			StopReason: "stop",
		}, nil
	}
}

func fail(err error) turnFunc {
	return func(context.Context, provider.Request, func(provider.Chunk) error) (*provider.Response, error) {
		return nil, err
	}
}

// hang blocks until the call is cancelled and reports when it started.
func hang(started chan<- struct{}) turnFunc {
	return func(ctx context.Context, _ provider.Request, _ func(provider.Chunk) error) (*provider.Response, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func call(id, name, args string) model.ToolCallRequest {
	return model.ToolCallRequest{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []tools.Call
	out   string

	// When set, Execute signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (e *recordingExecutor) Execute(ctx context.Context, c tools.Call) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	entered, release := e.entered, e.release
	e.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return e.out, nil
}

func (e *recordingExecutor) executed() []tools.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]tools.Call(nil), e.calls...)
}

type harness struct {
	o     *orchestrator.Orchestrator
	db    *sqlite.DB
	model *scriptedModel
	exec  *recordingExecutor
}

func openDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "kiseki.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, db *sqlite.DB, turns ...turnFunc) *harness {
	t.Helper()
	return newHarnessConfig(t, db, orchestrator.Config{}, turns...)
}

func newHarnessConfig(t *testing.T, db *sqlite.DB, cfg orchestrator.Config, turns ...turnFunc) *harness {
	t.Helper()
	cfg.Retry = retry.Options{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, DisableJitter: true}
	logger := testutil.TestLogger()
	catalog, err := tools.NewCatalog(logger,
		tools.Definition{Name: "list_files", Kind: tools.KindShell, Command: "ls"},
		tools.Definition{Name: "shell", Kind: tools.KindShell},
		tools.Definition{Name: "deploy", Kind: tools.KindShell, Command: "make", RequiresApproval: true},
	)
	require.NoError(t, err)

	exec := &recordingExecutor{out: "a.go\nb.go"}
	m := &scriptedModel{turns: turns}
	o := orchestrator.New(orchestrator.Deps{
		Store:      db,
		Recorder:   trace.NewRecorder(db, nil, nil, logger),
		Publisher:  streaming.NewPublisher(db, nil, time.Millisecond, logger),
		Tracker:    toolcalls.NewTracker(db, logger),
		Dispatcher: tools.NewDispatcher(catalog, nil, exec, nil, logger),
		Models:     provider.NewRegistry(m),
	}, cfg, logger)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	return &harness{o: o, db: db, model: m, exec: exec}
}

func request(prompt string) model.RunRequest {
	return model.RunRequest{TaskID: "task-1", Prompt: prompt, Model: "stub-1", Provider: "stub", SystemPrompt: "be brief"}
}

func (h *harness) submit(t *testing.T, req model.RunRequest) model.RunHandle {
	t.Helper()
	handle, err := h.o.Submit(context.Background(), req)
	require.NoError(t, err)
	return handle
}

func (h *harness) waitFor(t *testing.T, runID string, cond func(model.WorkflowTrace) bool) model.WorkflowTrace {
	t.Helper()
	var last model.WorkflowTrace
	require.Eventually(t, func() bool {
		tr, err := h.db.GetTrace(context.Background(), runID)
		if err != nil {
			return false
		}
		last = tr
		return cond(tr)
	}, 5*time.Second, 10*time.Millisecond, "run %s stuck in %s", runID, last.Status)
	return last
}

func (h *harness) waitStatus(t *testing.T, runID string, status model.TraceStatus) model.WorkflowTrace {
	t.Helper()
	return h.waitFor(t, runID, func(tr model.WorkflowTrace) bool { return tr.Status == status })
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.o.ActiveRuns() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) messages(t *testing.T, runID string) []model.Message {
	t.Helper()
	msgs, err := h.o.Messages(context.Background(), runID)
	require.NoError(t, err)
	return msgs
}

func TestRunCompletesWithoutTools(t *testing.T) {
	h := newHarness(t, openDB(t), say("Hello there"))
	handle := h.submit(t, request("hi"))
	assert.Equal(t, handle.RunID, handle.TraceID)
	assert.True(t, strings.HasPrefix(handle.MessageID, "msg_"))

	tr := h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	assert.Equal(t, int64(100), tr.PromptTokens)
	assert.Equal(t, int64(20), tr.CompletionTokens)
	h.waitIdle(t)

	msgs := h.messages(t, handle.RunID)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleSystem, msgs[0].Role)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
	assert.Equal(t, model.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "Hello there", msgs[2].Content)

	feed, err := h.o.Feed(context.Background(), handle.RunID)
	require.NoError(t, err)
	require.NotNil(t, feed.Streaming)
	assert.Equal(t, model.StreamStatusCompleted, feed.Streaming.Status)
	assert.Equal(t, int64(len("Hello there")), feed.Streaming.TotalChars)
	require.NotEmpty(t, feed.Steps)
	assert.Equal(t, model.StepTypeLLMCall, feed.Steps[0].StepType)
	assert.Equal(t, model.StepStatusCompleted, feed.Steps[0].Status)

	st, err := h.o.Status(context.Background(), handle.RunID)
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, model.TraceStatusCompleted, st.Status)
}

func TestToolRoundTrip(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("Looking.", call("call_ls_1", "list_files", `{"args":["src"]}`)),
		say("Two files."),
	)
	handle := h.submit(t, request("what is in src?"))
	h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	h.waitIdle(t)

	executed := h.exec.executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "ls src", executed[0].CommandLine)

	msgs := h.messages(t, handle.RunID)
	require.Len(t, msgs, 5)
	assert.Equal(t, model.RoleTool, msgs[3].Role)
	assert.Equal(t, "call_ls_1", msgs[3].ToolCallID)
	assert.Equal(t, "a.go\nb.go", msgs[3].Content)

	// The second turn sees the tool result.
	second := h.model.request(1)
	assert.Equal(t, model.RoleTool, second[len(second)-1].Role)

	feed, err := h.o.Feed(context.Background(), handle.RunID)
	require.NoError(t, err)
	require.Len(t, feed.ToolCalls, 1)
	assert.Equal(t, model.ToolCallCompleted, feed.ToolCalls[0].Status)
	assert.Equal(t, "a.go\nb.go", feed.ToolCalls[0].Result)

	var types []model.StepType
	for _, s := range feed.Steps {
		if s.StepType != model.StepTypeTextDelta {
			types = append(types, s.StepType)
		}
	}
	assert.Equal(t, []model.StepType{
		model.StepTypeLLMCall, model.StepTypeToolCall, model.StepTypeToolResult, model.StepTypeLLMCall,
	}, types)
}

func TestRunsMayReuseToolCallIDs(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("", call("call_0", "list_files", `{"args":["one"]}`)),
		say("First done."),
		say("", call("call_0", "list_files", `{"args":["two"]}`)),
		say("Second done."),
	)
	ctx := context.Background()
	first := h.submit(t, request("list one"))
	h.waitStatus(t, first.RunID, model.TraceStatusCompleted)
	h.waitIdle(t)
	second := h.submit(t, request("list two"))
	h.waitStatus(t, second.RunID, model.TraceStatusCompleted)
	h.waitIdle(t)

	tracker := toolcalls.NewTracker(h.db, nil)
	for _, tc := range []struct {
		messageID string
		args      string
	}{
		{first.MessageID, `{"args":["one"]}`},
		{second.MessageID, `{"args":["two"]}`},
	} {
		recs, err := tracker.ByMessage(ctx, tc.messageID)
		require.NoError(t, err)
		require.Len(t, recs, 1, tc.messageID)
		assert.Equal(t, "call_0", recs[0].ToolCallID)
		assert.JSONEq(t, tc.args, string(recs[0].Args))
		assert.Equal(t, model.ToolCallCompleted, recs[0].Status)
		assert.Equal(t, "a.go\nb.go", recs[0].Result)
	}

	executed := h.exec.executed()
	require.Len(t, executed, 2)
	assert.Equal(t, "ls two", executed[1].CommandLine)
}

func TestTurnIsStreamedBeforeToolsRun(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("Looking.", call("call_ls_live", "list_files", `{}`)),
		say("Done."),
	)
	h.exec.entered = make(chan struct{})
	h.exec.release = make(chan struct{})

	handle := h.submit(t, request("list"))
	<-h.exec.entered

	pub := streaming.NewPublisher(h.db, nil, time.Millisecond, testutil.TestLogger())
	chunks, err := pub.ChunksAfter(context.Background(), handle.MessageID, 0, 100)
	require.NoError(t, err)
	var text, calls string
	for _, c := range chunks {
		switch c.Kind {
		case model.ChunkText:
			text += c.Content
		case model.ChunkToolCall:
			calls += c.Content
		}
	}
	assert.Equal(t, "Looking.", text)
	assert.Contains(t, calls, "call_ls_live")

	close(h.exec.release)
	h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
}

func TestBlockedCommandIsAnsweredNotExecuted(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("", call("call_sudo", "shell", `{"command":"sudo rm -rf /"}`)),
		say("I cannot do that."),
	)
	handle := h.submit(t, request("wipe the disk"))
	h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	h.waitIdle(t)

	assert.Empty(t, h.exec.executed())
	msgs := h.messages(t, handle.RunID)
	require.Len(t, msgs, 5)
	assert.True(t, strings.HasPrefix(msgs[3].Content, orchestrator.ErrorPrefix), msgs[3].Content)

	rec, err := toolcalls.NewTracker(h.db, nil).ByToolCallID(context.Background(), handle.MessageID, "call_sudo")
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestApprovalGatesExecution(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("", call("call_deploy", "deploy", `{"args":["release"]}`)),
		say("Deployed."),
	)
	handle := h.submit(t, request("ship it"))
	tr := h.waitFor(t, handle.RunID, func(tr model.WorkflowTrace) bool { return len(tr.PendingApproval) > 0 })
	assert.Equal(t, []string{"call_deploy"}, tr.PendingApproval)
	assert.Empty(t, h.exec.executed())

	ctx := context.Background()
	_, err := h.o.Approve(ctx, handle.RunID, model.ApprovalDecision{ToolCallIDs: []string{"call_other"}, Approved: true})
	require.ErrorIs(t, err, orchestrator.ErrApprovalMismatch)

	st, err := h.o.Status(ctx, handle.RunID)
	require.NoError(t, err)
	assert.True(t, st.Running)

	_, err = h.o.Approve(ctx, handle.RunID, model.ApprovalDecision{ToolCallIDs: []string{"call_deploy"}, Approved: true})
	require.NoError(t, err)

	tr = h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	assert.Empty(t, tr.PendingApproval)
	require.Len(t, h.exec.executed(), 1)
	assert.Equal(t, "make release", h.exec.executed()[0].CommandLine)
}

func TestApprovalRecheckFindsUnannouncedDecision(t *testing.T) {
	db := openDB(t)
	h := newHarnessConfig(t, db, orchestrator.Config{ApprovalRecheck: 20 * time.Millisecond},
		say("", call("call_deploy_quiet", "deploy", `{}`)),
		say("Deployed."),
	)
	handle := h.submit(t, request("ship it"))
	h.waitFor(t, handle.RunID, func(tr model.WorkflowTrace) bool { return len(tr.PendingApproval) > 0 })

	// Stored by another instance whose notification never arrived.
	require.NoError(t, db.SaveApproval(context.Background(), model.ApprovalDecision{
		RunID: handle.RunID, ToolCallIDs: []string{"call_deploy_quiet"}, Approved: true, DecidedAt: time.Now().UTC(),
	}))
	h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	assert.Len(t, h.exec.executed(), 1)
}

func TestDeniedApproval(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("", call("call_deploy_2", "deploy", `{}`)),
		say("Okay, not deploying."),
	)
	handle := h.submit(t, request("ship it"))
	h.waitFor(t, handle.RunID, func(tr model.WorkflowTrace) bool { return len(tr.PendingApproval) > 0 })

	_, err := h.o.Approve(context.Background(), handle.RunID, model.ApprovalDecision{
		ToolCallIDs: []string{"call_deploy_2"}, Approved: false, Reason: "not today",
	})
	require.NoError(t, err)
	h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	h.waitIdle(t)

	assert.Empty(t, h.exec.executed())
	msgs := h.messages(t, handle.RunID)
	assert.Equal(t, orchestrator.ErrorPrefix+orchestrator.DeniedReason+": not today", msgs[3].Content)
}

func TestRequireApprovalCoversEveryTool(t *testing.T) {
	h := newHarness(t, openDB(t),
		say("", call("call_ls_gated", "list_files", `{}`)),
		say("Done."),
	)
	req := request("list")
	req.RequireApproval = true
	handle := h.submit(t, req)
	h.waitFor(t, handle.RunID, func(tr model.WorkflowTrace) bool { return len(tr.PendingApproval) == 1 })
	assert.Empty(t, h.exec.executed())
}

func TestStopWhileAwaitingApproval(t *testing.T) {
	h := newHarness(t, openDB(t), say("", call("call_deploy_3", "deploy", `{}`)))
	handle := h.submit(t, request("ship it"))
	h.waitFor(t, handle.RunID, func(tr model.WorkflowTrace) bool { return len(tr.PendingApproval) > 0 })

	ctx := context.Background()
	res, err := h.o.Stop(ctx, handle.RunID)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, model.TraceStatusCancelled, res.Status)

	again, err := h.o.Stop(ctx, handle.RunID)
	require.NoError(t, err)
	assert.False(t, again.Stopped)
	assert.Equal(t, model.TraceStatusCancelled, again.Status)

	feed, err := h.o.Feed(ctx, handle.RunID)
	require.NoError(t, err)
	require.NotNil(t, feed.Streaming)
	assert.Equal(t, model.StreamStatusAborted, feed.Streaming.Status)
	require.Len(t, feed.ToolCalls, 1)
	assert.Equal(t, model.ToolCallFailed, feed.ToolCalls[0].Status)
	assert.Equal(t, toolcalls.StaleReason, feed.ToolCalls[0].Error)

	_, err = h.o.Approve(ctx, handle.RunID, model.ApprovalDecision{ToolCallIDs: []string{"call_deploy_3"}, Approved: true})
	assert.ErrorIs(t, err, orchestrator.ErrApprovalMismatch)
}

func TestStopDuringModelCall(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, openDB(t), hang(started))
	handle := h.submit(t, request("think hard"))
	<-started

	res, err := h.o.Stop(context.Background(), handle.RunID)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	tr := h.waitStatus(t, handle.RunID, model.TraceStatusCancelled)
	assert.Equal(t, model.ErrorTypeCancelled, tr.ErrorType)
}

func TestMaxTurns(t *testing.T) {
	loop := func(ctx context.Context, req provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error) {
		id := fmt.Sprintf("call_loop_%d", len(req.Messages))
		return say("again", call(id, "list_files", `{}`))(ctx, req, onChunk)
	}
	h := newHarness(t, openDB(t), loop, loop, loop)
	req := request("loop forever")
	req.MaxTurns = 2
	handle := h.submit(t, req)

	tr := h.waitStatus(t, handle.RunID, model.TraceStatusFailed)
	assert.Equal(t, model.ErrorTypeMaxTurns, tr.ErrorType)
	assert.Equal(t, 2, h.model.calls())
	assert.Len(t, h.exec.executed(), 2)
}

func TestTransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, openDB(t),
		fail(&provider.Error{Provider: "stub", StatusCode: 503, Message: "overloaded"}),
		say("Recovered."),
	)
	handle := h.submit(t, request("hi"))
	tr := h.waitStatus(t, handle.RunID, model.TraceStatusCompleted)
	assert.Equal(t, 1, tr.RetryCount)
	h.waitIdle(t)

	feed, err := h.o.Feed(context.Background(), handle.RunID)
	require.NoError(t, err)
	var retries int
	for _, s := range feed.Steps {
		if s.StepType == model.StepTypeRetry {
			retries++
			assert.Contains(t, string(s.Detail), "overloaded")
		}
	}
	assert.Equal(t, 1, retries)
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, openDB(t),
		fail(&provider.Error{Provider: "stub", StatusCode: 401, Message: "bad key"}),
		say("never"),
	)
	handle := h.submit(t, request("hi"))
	tr := h.waitStatus(t, handle.RunID, model.TraceStatusFailed)
	assert.Equal(t, model.ErrorTypeAuth, tr.ErrorType)
	assert.Contains(t, tr.ErrorMessage, "Authentication failed")
	assert.Equal(t, 1, h.model.calls())

	h.waitIdle(t)
	feed, err := h.o.Feed(context.Background(), handle.RunID)
	require.NoError(t, err)
	require.NotNil(t, feed.Streaming)
	assert.Equal(t, model.StreamStatusFailed, feed.Streaming.Status)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, openDB(t))
	ctx := context.Background()

	bad := request("")
	_, err := h.o.Submit(ctx, bad)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	unknownTool := request("hi")
	unknownTool.Tools = []string{"teleport"}
	_, err = h.o.Submit(ctx, unknownTool)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	unknownProvider := request("hi")
	unknownProvider.Provider = "nowhere"
	_, err = h.o.Submit(ctx, unknownProvider)
	assert.ErrorIs(t, err, orchestrator.ErrInvalidRequest)

	_, err = h.o.Status(ctx, "trace_missing")
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)
	_, err = h.o.Stop(ctx, "trace_missing")
	assert.ErrorIs(t, err, orchestrator.ErrRunNotFound)
}

func TestResumeSkipsAnsweredToolCalls(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	logger := testutil.TestLogger()

	// A run that crashed after answering the first of two tool calls.
	rec := trace.NewRecorder(db, nil, nil, logger)
	tr, err := rec.StartTrace(ctx, trace.StartInput{
		TaskID: "task-resume", MessageID: "msg_resume", Model: "stub-1", Provider: "stub", Input: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, rec.MarkInProgress(ctx, tr.ID))
	now := time.Now().UTC()
	require.NoError(t, db.AppendMessages(ctx, tr.ID, []model.Message{
		{RunID: tr.ID, Seq: 0, Role: model.RoleUser, Content: "list twice", CreatedAt: now},
		{RunID: tr.ID, Seq: 1, Role: model.RoleAssistant, CreatedAt: now, ToolCalls: []model.ToolCallRequest{
			call("call_a", "list_files", `{}`),
			call("call_b", "list_files", `{"args":["docs"]}`),
		}},
		{RunID: tr.ID, Seq: 2, Role: model.RoleTool, Name: "list_files", ToolCallID: "call_a", Content: "x.go", CreatedAt: now},
	}))
	tracker := toolcalls.NewTracker(db, logger)
	_, err = tracker.Create(ctx, toolcalls.CreateInput{
		MessageID: "msg_resume", TaskID: "task-resume", TraceID: tr.ID, ToolName: "list_files", ToolCallID: "call_a", Status: model.ToolCallRunning,
	})
	require.NoError(t, err)

	h := newHarness(t, db, say("Both listed."))
	n, err := h.o.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.waitStatus(t, tr.ID, model.TraceStatusCompleted)
	h.waitIdle(t)

	executed := h.exec.executed()
	require.Len(t, executed, 1)
	assert.Equal(t, "call_b", executed[0].ID)

	a, err := tracker.ByToolCallID(ctx, "msg_resume", "call_a")
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallCompleted, a.Status)
	assert.Equal(t, "x.go", a.Result)

	msgs := h.messages(t, tr.ID)
	require.Len(t, msgs, 5)
	assert.Equal(t, "call_b", msgs[3].ToolCallID)
	assert.Equal(t, "Both listed.", msgs[4].Content)
}

func TestShutdownParksAndResumeFinishes(t *testing.T) {
	db := openDB(t)
	started := make(chan struct{})
	first := newHarness(t, db, hang(started))
	handle := first.submit(t, request("slow"))
	<-started

	ctx := context.Background()
	require.NoError(t, first.o.Shutdown(ctx))
	tr, err := db.GetTrace(ctx, handle.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusInProgress, tr.Status)

	_, err = first.o.Submit(ctx, request("late"))
	assert.ErrorIs(t, err, orchestrator.ErrShutdown)

	second := newHarness(t, db, say("Finally."))
	n, err := second.o.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	second.waitStatus(t, handle.RunID, model.TraceStatusCompleted)

	msgs := second.messages(t, handle.RunID)
	assert.Equal(t, "Finally.", msgs[len(msgs)-1].Content)
}

func TestStopWithoutLiveOwnerFinalizes(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	rec := trace.NewRecorder(db, nil, nil, testutil.TestLogger())
	tr, err := rec.StartTrace(ctx, trace.StartInput{TaskID: "task-orphan", MessageID: "msg_orphan", Model: "stub-1", Provider: "stub"})
	require.NoError(t, err)

	h := newHarness(t, db)
	res, err := h.o.Stop(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, model.TraceStatusCancelled, res.Status)

	m, err := db.GetStreamingMetrics(ctx, "msg_orphan")
	require.NoError(t, err)
	assert.Equal(t, model.StreamStatusAborted, m.Status)
}
