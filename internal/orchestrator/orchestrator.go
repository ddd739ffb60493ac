// Package orchestrator drives agent runs: it submits them, executes the
// model/tool loop under a per-run lease, waits for approvals, stops runs on
// request and resumes interrupted runs from their persisted conversation.
//
// The conversation log (storage run messages) is the checkpoint. Every
// decision the loop makes on resume is derived from it: an assistant turn
// that was persisted is never requested again, and a tool call whose result
// message was persisted is never dispatched again.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kiseki/internal/compress"
	"github.com/ashita-ai/kiseki/internal/lease"
	"github.com/ashita-ai/kiseki/internal/metrics"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/provider"
	"github.com/ashita-ai/kiseki/internal/retry"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/streaming"
	"github.com/ashita-ai/kiseki/internal/toolcalls"
	"github.com/ashita-ai/kiseki/internal/tools"
)

var (
	// ErrInvalidRequest is returned by Submit for a malformed run request.
	ErrInvalidRequest = errors.New("orchestrator: invalid run request")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("orchestrator: run not found")
	// ErrApprovalMismatch is returned when a decision does not name exactly
	// the pending tool calls.
	ErrApprovalMismatch = errors.New("orchestrator: approval does not match pending tool calls")
	// ErrShutdown is the cancellation cause of runs interrupted by shutdown.
	// They stay IN_PROGRESS and are resumed by the next ResumeAll.
	ErrShutdown = errors.New("orchestrator: shutting down")
	// ErrStopped is the cancellation cause of runs stopped by a user.
	ErrStopped = errors.New("orchestrator: run stopped")
	// ErrLeaseLost is the cancellation cause of runs whose lease expired.
	ErrLeaseLost = errors.New("orchestrator: run lease lost")
)

// DeniedReason is the result of tool calls the user declined.
const DeniedReason = "Tool call denied by user"

// StoppedReason is recorded on runs cancelled through Stop.
const StoppedReason = "Run stopped by user"

// Store is the persistence the orchestrator reads directly. Traces, steps,
// streams and tool calls are written through their own components.
type Store interface {
	GetTrace(ctx context.Context, id string) (model.WorkflowTrace, error)
	ListActiveTraces(ctx context.Context) ([]model.WorkflowTrace, error)
	AppendMessages(ctx context.Context, runID string, msgs []model.Message) error
	ListMessages(ctx context.Context, runID string) ([]model.Message, error)
	SaveApproval(ctx context.Context, d model.ApprovalDecision) error
	GetApproval(ctx context.Context, runID string) (model.ApprovalDecision, error)
	GetStreamingMetrics(ctx context.Context, streamID string) (model.StreamingMetrics, error)
}

// Notifier publishes cross-instance signals (stops and approvals).
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Config tunes the orchestrator. Zero fields take defaults.
type Config struct {
	InstanceID    string        // lease owner id, default random
	MaxConcurrent int64         // runs executing at once, default 16
	MaxTurns      int           // model turns per run, default 25
	MaxTokens     int64         // per model call, 0 lets the provider decide
	LeaseTTL      time.Duration // default 30s
	Retry         retry.Options // model call retries

	// ApprovalRecheck re-reads the store this often while a run awaits
	// approval. Zero waits for approval notifications alone.
	ApprovalRecheck time.Duration
}

// Defaults.
const (
	DefaultMaxConcurrent = 16
	DefaultMaxTurns      = 25
	DefaultLeaseTTL      = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.InstanceID == "" {
		c.InstanceID = "kiseki-" + uuid.NewString()
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	return c
}

// Deps are the components a run is built from. Notifier and Compressor may
// be nil.
type Deps struct {
	Store      Store
	Recorder   *trace.Recorder
	Publisher  *streaming.Publisher
	Tracker    *toolcalls.Tracker
	Dispatcher *tools.Dispatcher
	Models     *provider.Registry
	Compressor *compress.Compressor
	Locker     lease.Locker
	Notifier   Notifier
}

// Orchestrator owns the runs executing in this process.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	sem    *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	mu      sync.Mutex
	active  map[string]*run
	closing bool
	wg      sync.WaitGroup
}

// run is one executing run.
type run struct {
	trace  model.WorkflowTrace
	apiKey string
	cancel context.CancelCauseFunc
	wake   chan struct{} // approval decision stored
	done   chan struct{}
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Locker == nil {
		deps.Locker = lease.NewLocal()
	}
	if deps.Compressor == nil {
		deps.Compressor = compress.New(compress.Options{PinSystem: true}, nil, logger)
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*run),
	}
}

// InstanceID returns the lease owner id of this process.
func (o *Orchestrator) InstanceID() string { return o.cfg.InstanceID }

// ActiveRuns returns how many runs this process is executing or queueing.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// LeaseBackend names the lease implementation.
func (o *Orchestrator) LeaseBackend() string { return o.deps.Locker.Name() }

// Submit validates req, records the trace and its opening messages, and
// starts the run in the background.
func (o *Orchestrator) Submit(ctx context.Context, req model.RunRequest) (model.RunHandle, error) {
	if err := model.ValidateRunRequest(req); err != nil {
		return model.RunHandle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := o.deps.Dispatcher.Catalog().Check(req.Tools); err != nil {
		return model.RunHandle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	providerName := req.Provider
	if providerName == "" {
		providerName = provider.InferProvider(req.Model)
	}
	if _, err := o.deps.Models.Resolve(providerName, req.Model); err != nil {
		return model.RunHandle{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	o.mu.Lock()
	closing := o.closing
	o.mu.Unlock()
	if closing {
		return model.RunHandle{}, ErrShutdown
	}

	input, err := json.Marshal(model.RunInput{
		SystemPrompt:    req.SystemPrompt,
		Tools:           req.Tools,
		RequireApproval: req.RequireApproval,
		MaxTurns:        req.MaxTurns,
	})
	if err != nil {
		return model.RunHandle{}, fmt.Errorf("orchestrator: encode run input: %w", err)
	}

	t, err := o.deps.Recorder.StartTrace(ctx, trace.StartInput{
		TaskID:    req.TaskID,
		MessageID: "msg_" + uuid.NewString(),
		Model:     req.Model,
		Provider:  providerName,
		Input:     input,
	})
	if err != nil {
		return model.RunHandle{}, fmt.Errorf("orchestrator: submit: %w", err)
	}

	now := o.now()
	var opening []model.Message
	if req.SystemPrompt != "" {
		opening = append(opening, model.Message{Role: model.RoleSystem, Content: req.SystemPrompt, CreatedAt: now})
	}
	opening = append(opening, model.Message{Role: model.RoleUser, Content: req.Prompt, CreatedAt: now})
	for i := range opening {
		opening[i].RunID = t.ID
		opening[i].Seq = i
	}
	if err := o.deps.Store.AppendMessages(ctx, t.ID, opening); err != nil {
		if _, ferr := o.deps.Recorder.Fail(context.WithoutCancel(ctx), t.ID, model.ErrorTypePersistence, err.Error()); ferr != nil {
			o.logger.Error("orchestrator: fail trace after message write error", "run_id", t.ID, "error", ferr)
		}
		return model.RunHandle{}, fmt.Errorf("orchestrator: persist opening messages: %w", err)
	}

	metrics.RunsStarted.Inc()
	o.start(t, req.APIKey)
	o.logger.Info("orchestrator: run submitted", "run_id", t.ID, "task_id", t.TaskID, "model", t.Model, "provider", providerName)
	return model.RunHandle{RunID: t.ID, TraceID: t.ID, MessageID: t.MessageID, TaskID: t.TaskID}, nil
}

// start launches the run goroutine unless the run is already active here.
func (o *Orchestrator) start(t model.WorkflowTrace, apiKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	if _, ok := o.active[t.ID]; ok {
		return false
	}
	ctx, cancel := context.WithCancelCause(o.baseCtx)
	r := &run{
		trace:  t,
		apiKey: apiKey,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	o.active[t.ID] = r
	o.wg.Add(1)
	go o.execute(ctx, r)
	return true
}

func (o *Orchestrator) lookup(runID string) (*run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.active[runID]
	return r, ok
}

func (o *Orchestrator) getTrace(ctx context.Context, runID string) (model.WorkflowTrace, error) {
	t, err := o.deps.Store.GetTrace(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.WorkflowTrace{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return model.WorkflowTrace{}, fmt.Errorf("orchestrator: load run: %w", err)
	}
	return t, nil
}

// Stop cancels a run. Stopping a finished run reports its status and
// changes nothing. A run executing on another instance is signalled; a run
// nobody executes is finalized here.
func (o *Orchestrator) Stop(ctx context.Context, runID string) (model.StopResult, error) {
	t, err := o.getTrace(ctx, runID)
	if err != nil {
		return model.StopResult{}, err
	}
	if t.Status.Terminal() {
		return model.StopResult{RunID: runID, Status: t.Status}, nil
	}

	if r, ok := o.lookup(runID); ok {
		r.cancel(ErrStopped)
		select {
		case <-r.done:
		case <-ctx.Done():
			return model.StopResult{}, ctx.Err()
		}
		t, err = o.getTrace(ctx, runID)
		if err != nil {
			return model.StopResult{}, err
		}
		return model.StopResult{RunID: runID, Status: t.Status, Stopped: true}, nil
	}

	holder, err := o.deps.Locker.Holder(ctx, runID)
	if err != nil {
		return model.StopResult{}, fmt.Errorf("orchestrator: stop: %w", err)
	}
	if holder != "" && holder != o.cfg.InstanceID && o.deps.Notifier != nil {
		if err := o.deps.Notifier.Notify(ctx, storage.ChannelStops, runID); err != nil {
			return model.StopResult{}, fmt.Errorf("orchestrator: signal stop: %w", err)
		}
		o.logger.Info("orchestrator: stop signalled to lease holder", "run_id", runID, "holder", holder)
		return model.StopResult{RunID: runID, Status: t.Status, Stopped: true}, nil
	}

	// Nobody is executing the run; finalize it directly.
	t, err = o.deps.Recorder.Cancel(ctx, runID, StoppedReason)
	if err != nil {
		if errors.Is(err, trace.ErrTerminal) {
			t, err = o.getTrace(ctx, runID)
			if err != nil {
				return model.StopResult{}, err
			}
			return model.StopResult{RunID: runID, Status: t.Status}, nil
		}
		return model.StopResult{}, fmt.Errorf("orchestrator: stop: %w", err)
	}
	o.endStream(ctx, t, model.StreamStatusAborted)
	return model.StopResult{RunID: runID, Status: t.Status, Stopped: true}, nil
}

// Approve stores a decision for the run's pending tool calls and wakes the
// run. The decision must name exactly the pending ids.
func (o *Orchestrator) Approve(ctx context.Context, runID string, d model.ApprovalDecision) (model.ApprovalDecision, error) {
	t, err := o.getTrace(ctx, runID)
	if err != nil {
		return model.ApprovalDecision{}, err
	}
	if t.Status.Terminal() || len(t.PendingApproval) == 0 || !sameIDs(t.PendingApproval, d.ToolCallIDs) {
		return model.ApprovalDecision{}, fmt.Errorf("%w: pending %v", ErrApprovalMismatch, t.PendingApproval)
	}
	d.RunID = runID
	d.DecidedAt = o.now()
	if err := o.deps.Store.SaveApproval(ctx, d); err != nil {
		return model.ApprovalDecision{}, fmt.Errorf("orchestrator: save approval: %w", err)
	}
	o.logger.Info("orchestrator: approval recorded", "run_id", runID, "approved", d.Approved, "tool_calls", len(d.ToolCallIDs))

	if r, ok := o.lookup(runID); ok {
		r.signal()
	} else if o.deps.Notifier != nil {
		if err := o.deps.Notifier.Notify(ctx, storage.ChannelApprovals, runID); err != nil {
			o.logger.Warn("orchestrator: approval notify failed", "run_id", runID, "error", err)
		}
	}
	return d, nil
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// HandleNotification applies a cross-instance signal to a local run.
func (o *Orchestrator) HandleNotification(channel, payload string) {
	r, ok := o.lookup(payload)
	if !ok {
		return
	}
	switch channel {
	case storage.ChannelStops:
		o.logger.Info("orchestrator: stop signal received", "run_id", payload)
		r.cancel(ErrStopped)
	case storage.ChannelApprovals:
		r.signal()
	}
}

// Status summarizes a run.
func (o *Orchestrator) Status(ctx context.Context, runID string) (model.RunStatus, error) {
	t, err := o.getTrace(ctx, runID)
	if err != nil {
		return model.RunStatus{}, err
	}
	_, running := o.lookup(runID)
	if !running && !t.Status.Terminal() {
		holder, err := o.deps.Locker.Holder(ctx, runID)
		if err != nil {
			o.logger.Warn("orchestrator: lease lookup failed", "run_id", runID, "error", err)
		}
		running = holder != ""
	}
	return model.RunStatus{
		RunID:            t.ID,
		TaskID:           t.TaskID,
		MessageID:        t.MessageID,
		Status:           t.Status,
		RetryCount:       t.RetryCount,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		TotalTokens:      t.TotalTokens,
		ErrorType:        t.ErrorType,
		ErrorMessage:     t.ErrorMessage,
		PendingApproval:  t.PendingApproval,
		StartedAt:        t.StartedAt,
		UpdatedAt:        t.UpdatedAt,
		CompletedAt:      t.CompletedAt,
		Running:          running,
	}, nil
}

// Feed returns the ordered step log, streaming metrics and tool calls of a run.
func (o *Orchestrator) Feed(ctx context.Context, runID string) (model.RunFeed, error) {
	t, err := o.getTrace(ctx, runID)
	if err != nil {
		return model.RunFeed{}, err
	}
	steps, err := o.deps.Recorder.TraceSteps(ctx, runID)
	if err != nil {
		return model.RunFeed{}, fmt.Errorf("orchestrator: feed steps: %w", err)
	}
	calls, err := o.deps.Tracker.ByMessage(ctx, t.MessageID)
	if err != nil {
		return model.RunFeed{}, fmt.Errorf("orchestrator: feed tool calls: %w", err)
	}
	feed := model.RunFeed{Trace: t, Steps: steps, ToolCalls: calls}
	if feed.Steps == nil {
		feed.Steps = []model.WorkflowStep{}
	}
	if feed.ToolCalls == nil {
		feed.ToolCalls = []model.ToolCall{}
	}
	m, err := o.deps.Store.GetStreamingMetrics(ctx, t.MessageID)
	switch {
	case err == nil:
		feed.Streaming = &m
	case !errors.Is(err, storage.ErrNotFound):
		return model.RunFeed{}, fmt.Errorf("orchestrator: feed metrics: %w", err)
	}
	return feed, nil
}

// Messages returns a run's conversation log.
func (o *Orchestrator) Messages(ctx context.Context, runID string) ([]model.Message, error) {
	if _, err := o.getTrace(ctx, runID); err != nil {
		return nil, err
	}
	return o.deps.Store.ListMessages(ctx, runID)
}

// ResumeAll restarts every non-terminal run not already executing here.
// Runs leased by another live instance are skipped when their goroutine
// fails to acquire the lease.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	traces, err := o.deps.Store.ListActiveTraces(ctx)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list active runs: %w", err)
	}
	started := 0
	for _, t := range traces {
		if o.start(t, "") {
			started++
		}
	}
	if started > 0 {
		o.logger.Info("orchestrator: resuming runs", "count", started)
	}
	return started, nil
}

// Shutdown cancels every local run with ErrShutdown and waits for their
// goroutines. Interrupted runs stay IN_PROGRESS.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.baseCancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator: all runs parked")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
