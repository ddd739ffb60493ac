package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiseki/internal/lease"
	"github.com/ashita-ai/kiseki/internal/metrics"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/provider"
	"github.com/ashita-ai/kiseki/internal/retry"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/streaming"
)

// runError ends a run with a specific error type.
type runError struct {
	typ string
	msg string
}

func (e *runError) Error() string { return e.msg }

// persistenceError marks a failed durable write. The run cannot continue
// without its checkpoint, so it is never retried against the model.
type persistenceError struct{ err error }

func (e *persistenceError) Error() string { return e.err.Error() }
func (e *persistenceError) Unwrap() error { return e.err }

func persistence(err error) error {
	if err == nil {
		return nil
	}
	var pe *persistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &persistenceError{err: err}
}

// execute is the goroutine of one run.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, r.trace.ID)
		o.mu.Unlock()
		close(r.done)
	}()
	defer r.cancel(nil)

	id := r.trace.ID
	if err := o.sem.Acquire(ctx, 1); err != nil {
		// Cancelled while queued.
		o.finalize(ctx, r, nil, context.Cause(ctx))
		return
	}
	defer o.sem.Release(1)

	held, err := lease.Hold(ctx, o.deps.Locker, id, o.cfg.InstanceID, o.cfg.LeaseTTL, o.logger)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			o.logger.Info("orchestrator: run leased by another instance", "run_id", id)
			return
		}
		o.logger.Error("orchestrator: acquire lease", "run_id", id, "error", err)
		return
	}
	defer func() {
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			o.logger.Warn("orchestrator: release lease", "run_id", id, "error", err)
		}
	}()
	go func() {
		select {
		case <-held.Lost():
			r.cancel(ErrLeaseLost)
		case <-ctx.Done():
		}
	}()

	// The run may have finished elsewhere while this goroutine queued.
	t, err := o.deps.Store.GetTrace(ctx, id)
	if err != nil {
		o.logger.Error("orchestrator: reload run", "run_id", id, "error", err)
		return
	}
	if t.Status.Terminal() {
		return
	}
	r.trace = t

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	stream, err := o.loop(ctx, r)
	o.finalize(ctx, r, stream, err)
}

// loop runs model turns and tool rounds until the model answers without
// requesting tools. Every step starts from the persisted conversation.
func (o *Orchestrator) loop(ctx context.Context, r *run) (*streaming.Stream, error) {
	t := r.trace
	var in model.RunInput
	if len(t.Input) > 0 {
		if err := json.Unmarshal(t.Input, &in); err != nil {
			return nil, &runError{typ: model.ErrorTypeValidation, msg: "stored run input is unreadable: " + err.Error()}
		}
	}
	maxTurns := o.cfg.MaxTurns
	if in.MaxTurns > 0 && in.MaxTurns < maxTurns {
		maxTurns = in.MaxTurns
	}

	m, err := o.deps.Models.Resolve(t.Provider, t.Model)
	if err != nil {
		return nil, &runError{typ: model.ErrorTypeValidation, msg: err.Error()}
	}
	if t.Status == model.TraceStatusStarted {
		if err := o.deps.Recorder.MarkInProgress(ctx, t.ID); err != nil {
			return nil, persistence(err)
		}
	}

	stream, err := o.deps.Publisher.Open(ctx, streamInfo(t))
	if err != nil {
		return nil, persistence(err)
	}
	msgs, err := o.deps.Store.ListMessages(ctx, t.ID)
	if err != nil {
		return stream, persistence(err)
	}
	if len(msgs) == 0 {
		return stream, &runError{typ: model.ErrorTypeValidation, msg: "run has no messages"}
	}
	defs := o.deps.Dispatcher.Catalog().Definitions(in.Tools)

	turns := 0
	for _, msg := range msgs {
		if msg.Role == model.RoleAssistant {
			turns++
		}
	}

	for {
		if ctx.Err() != nil {
			return stream, context.Cause(ctx)
		}
		ai := lastAssistant(msgs)
		if ai >= 0 && len(msgs[ai].ToolCalls) > 0 && len(unanswered(msgs, ai)) > 0 {
			if msgs, err = o.runTools(ctx, r, in, msgs, ai); err != nil {
				return stream, err
			}
			continue
		}
		if ai == len(msgs)-1 && len(msgs[ai].ToolCalls) == 0 {
			return stream, nil
		}
		if turns >= maxTurns {
			return stream, &runError{
				typ: model.ErrorTypeMaxTurns,
				msg: fmt.Sprintf("Run stopped after %d model turns without a final answer.", maxTurns),
			}
		}
		turns++
		reply, err := o.callModel(ctx, r, m, stream, msgs, defs, turns)
		if err != nil {
			return stream, err
		}
		msgs = append(msgs, reply)
	}
}

// callModel performs one model turn with retries, streams its output and
// persists the assistant message.
func (o *Orchestrator) callModel(ctx context.Context, r *run, m provider.Model, stream *streaming.Stream, msgs []model.Message, defs []model.ToolDefinition, turn int) (model.Message, error) {
	t := r.trace
	prepared := o.deps.Compressor.PrepareStep(ctx, turn, msgs)
	step, err := o.deps.Recorder.BeginStep(ctx, t.ID, trace.StepInput{
		Type:   model.StepTypeLLMCall,
		Detail: map[string]any{"turn": turn, "model": t.Model, "messages": len(prepared)},
	})
	if err != nil {
		return model.Message{}, persistence(err)
	}

	req := provider.Request{
		Model:     t.Model,
		Messages:  prepared,
		Tools:     defs,
		MaxTokens: o.cfg.MaxTokens,
		APIKey:    r.apiKey,
	}
	onChunk := func(c provider.Chunk) error {
		text := c.Text
		if c.Kind == model.ChunkToolCall && c.ToolCall != nil {
			b, err := json.Marshal(c.ToolCall)
			if err != nil {
				return retry.Permanent(err)
			}
			text = string(b)
		}
		if text == "" {
			return nil
		}
		if err := stream.Append(ctx, c.Kind, text); err != nil {
			return retry.Permanent(persistence(err))
		}
		if err := o.deps.Recorder.RecordDelta(ctx, t.ID, c.Kind, utf8.RuneCountInString(text)); err != nil {
			o.logger.Warn("orchestrator: record delta", "run_id", t.ID, "error", err)
		}
		return nil
	}

	opts := o.cfg.Retry
	opts.Logger = o.logger
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.Retries.WithLabelValues(t.Provider).Inc()
		if err := o.deps.Recorder.IncrementRetry(ctx, t.ID); err != nil {
			o.logger.Warn("orchestrator: count retry", "run_id", t.ID, "error", err)
		}
		if _, err := o.deps.Recorder.RecordStep(ctx, t.ID, trace.StepInput{
			Type:   model.StepTypeRetry,
			Detail: map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds(), "error": err.Error()},
		}, model.StepStatusCompleted, ""); err != nil {
			o.logger.Warn("orchestrator: record retry step", "run_id", t.ID, "error", err)
		}
	}

	start := time.Now()
	resp, err := retry.Do(ctx, func(ctx context.Context) (*provider.Response, error) {
		return m.Generate(ctx, req, onChunk)
	}, opts)
	metrics.ModelCallDuration.WithLabelValues(t.Provider).Observe(time.Since(start).Seconds())
	if err != nil {
		if _, serr := o.deps.Recorder.EndStep(context.WithoutCancel(ctx), step, model.StepStatusFailed, err.Error(), nil); serr != nil {
			o.logger.Warn("orchestrator: end llm step", "run_id", t.ID, "error", serr)
		}
		return model.Message{}, err
	}
	// Live readers see the whole turn before any tool runs.
	if err := stream.Flush(ctx); err != nil {
		return model.Message{}, persistence(err)
	}

	if err := o.deps.Recorder.AddUsage(ctx, t.ID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
		return model.Message{}, persistence(err)
	}
	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		if len(resp.ToolCalls[i].Arguments) == 0 {
			resp.ToolCalls[i].Arguments = json.RawMessage(`{}`)
		}
	}
	reply := model.Message{
		RunID:     t.ID,
		Seq:       msgs[len(msgs)-1].Seq + 1,
		Role:      model.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
		CreatedAt: o.now(),
	}
	if err := o.deps.Store.AppendMessages(ctx, t.ID, []model.Message{reply}); err != nil {
		return model.Message{}, persistence(err)
	}
	if _, err := o.deps.Recorder.EndStep(ctx, step, model.StepStatusCompleted, "", map[string]any{
		"turn":              turn,
		"stop_reason":       resp.StopReason,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"tool_calls":        len(resp.ToolCalls),
	}); err != nil {
		o.logger.Warn("orchestrator: end llm step", "run_id", t.ID, "error", err)
	}
	o.logger.Debug("orchestrator: model turn done", "run_id", t.ID, "turn", turn, "tool_calls", len(resp.ToolCalls))
	return reply, nil
}

// finalize records the outcome of a run. Runs interrupted by shutdown or a
// lost lease are left IN_PROGRESS for the next owner.
func (o *Orchestrator) finalize(runCtx context.Context, r *run, stream *streaming.Stream, err error) {
	ctx := context.WithoutCancel(runCtx)
	id := r.trace.ID
	if err != nil && runCtx.Err() != nil {
		// Report why the run was cancelled, not the bare context error.
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(err, cause) {
			err = cause
		}
	}
	if errors.Is(err, ErrShutdown) || errors.Is(err, ErrLeaseLost) {
		if stream != nil {
			if ferr := stream.Flush(ctx); ferr != nil {
				o.logger.Warn("orchestrator: flush parked stream", "run_id", id, "error", ferr)
			}
		}
		o.logger.Info("orchestrator: run parked", "run_id", id, "reason", err)
		return
	}

	var (
		t         model.WorkflowTrace
		ferr      error
		errType   string
		streamEnd = model.StreamStatusFailed
	)
	var re *runError
	var pe *persistenceError
	switch {
	case err == nil:
		t, ferr = o.deps.Recorder.Complete(ctx, id)
		streamEnd = model.StreamStatusCompleted
	case errors.Is(err, ErrStopped):
		errType = model.ErrorTypeCancelled
		t, ferr = o.deps.Recorder.Cancel(ctx, id, StoppedReason)
		streamEnd = model.StreamStatusAborted
	case errors.As(err, &re):
		errType = re.typ
		t, ferr = o.deps.Recorder.Fail(ctx, id, re.typ, re.msg)
	case errors.As(err, &pe):
		errType = model.ErrorTypePersistence
		t, ferr = o.deps.Recorder.Fail(ctx, id, errType, pe.Error())
	default:
		errType = provider.ErrorType(err)
		t, ferr = o.deps.Recorder.Fail(ctx, id, errType, provider.FriendlyMessage(err))
	}
	switch {
	case errors.Is(ferr, trace.ErrTerminal):
		o.logger.Info("orchestrator: run already finished", "run_id", id, "status", t.Status)
	case ferr != nil:
		o.logger.Error("orchestrator: record run outcome", "run_id", id, "error", ferr)
	}

	if _, serr := o.deps.Tracker.FailStaleRunning(ctx, r.trace.MessageID); serr != nil {
		o.logger.Warn("orchestrator: sweep stale tool calls", "run_id", id, "error", serr)
	}
	if stream != nil {
		if cerr := stream.Close(ctx, streamEnd); cerr != nil {
			o.logger.Warn("orchestrator: close stream", "run_id", id, "error", cerr)
		}
	} else {
		o.endStream(ctx, r.trace, streamEnd)
	}
	o.deps.Recorder.Forget(id)

	if ferr == nil {
		metrics.RunsFinished.WithLabelValues(string(t.Status), errType).Inc()
		o.logger.Info("orchestrator: run finished", "run_id", id, "status", t.Status, "error_type", errType)
	}
}

// endStream closes the message stream of a run that has no live writer.
func (o *Orchestrator) endStream(ctx context.Context, t model.WorkflowTrace, status model.StreamStatus) {
	if _, err := o.deps.Tracker.FailStaleRunning(ctx, t.MessageID); err != nil {
		o.logger.Warn("orchestrator: sweep stale tool calls", "run_id", t.ID, "error", err)
	}
	s, err := o.deps.Publisher.Open(ctx, streamInfo(t))
	if err != nil {
		o.logger.Warn("orchestrator: open stream for close", "run_id", t.ID, "error", err)
		return
	}
	if err := s.Close(ctx, status); err != nil {
		o.logger.Warn("orchestrator: close stream", "run_id", t.ID, "error", err)
	}
}

func streamInfo(t model.WorkflowTrace) streaming.StreamInfo {
	return streaming.StreamInfo{StreamID: t.MessageID, TaskID: t.TaskID, TraceID: t.ID, RunID: t.ID}
}

func lastAssistant(msgs []model.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant {
			return i
		}
	}
	return -1
}

// unanswered returns the tool calls of msgs[ai] with no tool message after it.
func unanswered(msgs []model.Message, ai int) []model.ToolCallRequest {
	answered := answers(msgs, ai)
	var out []model.ToolCallRequest
	for _, tc := range msgs[ai].ToolCalls {
		if _, ok := answered[tc.ID]; !ok {
			out = append(out, tc)
		}
	}
	return out
}

func answers(msgs []model.Message, ai int) map[string]model.Message {
	out := make(map[string]model.Message)
	for _, m := range msgs[ai+1:] {
		if m.Role == model.RoleTool {
			out[m.ToolCallID] = m
		}
	}
	return out
}
