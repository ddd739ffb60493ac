package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

// ErrTerminal is returned when a transition targets a trace that already
// reached COMPLETED, FAILED or CANCELLED.
var ErrTerminal = errors.New("trace: trace is terminal")

// ErrStepFinished is returned when ending a step that is not STARTED.
var ErrStepFinished = errors.New("trace: step already finished")

// Store is the persistence the recorder needs.
type Store interface {
	CreateTrace(ctx context.Context, t model.WorkflowTrace) error
	GetTrace(ctx context.Context, id string) (model.WorkflowTrace, error)
	UpdateTrace(ctx context.Context, id string, u storage.TraceUpdate) (model.WorkflowTrace, error)
	ListTracesByTask(ctx context.Context, taskID string, limit int) ([]model.WorkflowTrace, error)

	InsertStep(ctx context.Context, s model.WorkflowStep) error
	InsertSteps(ctx context.Context, steps []model.WorkflowStep) (int64, error)
	FinishStep(ctx context.Context, u storage.StepUpdate) error
	ListSteps(ctx context.Context, traceID string) ([]model.WorkflowStep, error)
	MaxStepNumber(ctx context.Context, traceID string) (int, error)

	ListStreamingMetricsByTask(ctx context.Context, taskID string) ([]model.StreamingMetrics, error)
}

// Notifier publishes step changes to live observers.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// StepEvent is the payload published on storage.ChannelSteps. Trace-level
// changes (pending approval, terminal status) carry TraceStatus and no step.
type StepEvent struct {
	RunID       string            `json:"run_id"`
	StepNumber  int               `json:"step_number,omitempty"`
	StepType    model.StepType    `json:"step_type,omitempty"`
	Status      model.StepStatus  `json:"status,omitempty"`
	TraceStatus model.TraceStatus `json:"trace_status,omitempty"`
}

// Recorder writes traces and their step log. Step numbers are reserved in
// memory per trace, seeded from the stored maximum the first time a trace
// is seen, so each trace must have a single writer.
type Recorder struct {
	store    Store
	buffer   *Buffer
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastStep map[string]int
}

// NewRecorder creates a recorder. buffer and notifier may be nil; without a
// buffer, deltas are written synchronously.
func NewRecorder(store Store, buffer *Buffer, notifier Notifier, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		buffer:   buffer,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		lastStep: make(map[string]int),
	}
}

// StartInput describes a new trace.
type StartInput struct {
	TraceID   string // generated when empty
	TaskID    string
	MessageID string
	Model     string
	Provider  string
	Input     json.RawMessage
}

// StartTrace creates a trace in STARTED.
func (r *Recorder) StartTrace(ctx context.Context, in StartInput) (model.WorkflowTrace, error) {
	now := r.now()
	id := in.TraceID
	if id == "" {
		id = model.NewTraceID(now)
	}
	t := model.WorkflowTrace{
		ID:           id,
		TaskID:       in.TaskID,
		MessageID:    in.MessageID,
		WorkflowType: model.WorkflowTypeAgentRun,
		Status:       model.TraceStatusStarted,
		Model:        in.Model,
		Provider:     in.Provider,
		Input:        in.Input,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateTrace(ctx, t); err != nil {
		return model.WorkflowTrace{}, fmt.Errorf("trace: start: %w", err)
	}
	r.mu.Lock()
	r.lastStep[id] = 0
	r.mu.Unlock()
	r.logger.Info("trace: started", "trace_id", id, "task_id", in.TaskID, "model", in.Model)
	return t, nil
}

// MarkInProgress moves a trace to IN_PROGRESS.
func (r *Recorder) MarkInProgress(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, storage.TraceUpdate{Status: model.TraceStatusInProgress})
	return err
}

// AddUsage adds token counts to a trace.
func (r *Recorder) AddUsage(ctx context.Context, id string, prompt, completion int64) error {
	_, err := r.update(ctx, id, storage.TraceUpdate{AddPromptTokens: prompt, AddCompletionTokens: completion})
	return err
}

// IncrementRetry bumps the retry count of a trace.
func (r *Recorder) IncrementRetry(ctx context.Context, id string) error {
	_, err := r.update(ctx, id, storage.TraceUpdate{AddRetries: 1})
	return err
}

// SetPendingApproval records the tool calls awaiting a decision. An empty
// slice clears them.
func (r *Recorder) SetPendingApproval(ctx context.Context, id string, toolCallIDs []string) error {
	ids := toolCallIDs
	if ids == nil {
		ids = []string{}
	}
	t, err := r.update(ctx, id, storage.TraceUpdate{PendingApproval: &ids})
	if err != nil {
		return err
	}
	r.notify(ctx, StepEvent{RunID: id, TraceStatus: t.Status})
	return nil
}

// Complete finishes a trace successfully.
func (r *Recorder) Complete(ctx context.Context, id string) (model.WorkflowTrace, error) {
	return r.finish(ctx, id, model.TraceStatusCompleted, "", "")
}

// Fail finishes a trace with an error type and message.
func (r *Recorder) Fail(ctx context.Context, id, errType, msg string) (model.WorkflowTrace, error) {
	return r.finish(ctx, id, model.TraceStatusFailed, errType, msg)
}

// Cancel finishes a trace as CANCELLED.
func (r *Recorder) Cancel(ctx context.Context, id, reason string) (model.WorkflowTrace, error) {
	return r.finish(ctx, id, model.TraceStatusCancelled, model.ErrorTypeCancelled, reason)
}

func (r *Recorder) finish(ctx context.Context, id string, status model.TraceStatus, errType, msg string) (model.WorkflowTrace, error) {
	cur, err := r.store.GetTrace(ctx, id)
	if err != nil {
		return model.WorkflowTrace{}, fmt.Errorf("trace: finish: %w", err)
	}
	if cur.Status.Terminal() {
		return cur, fmt.Errorf("%w: %s is %s", ErrTerminal, id, cur.Status)
	}

	now := r.now()
	duration := now.Sub(cur.StartedAt).Milliseconds()
	cost := EstimateCostMillicents(cur.Model, cur.PromptTokens, cur.CompletionTokens)
	cleared := []string{}
	t, err := r.update(ctx, id, storage.TraceUpdate{
		Status:              status,
		ErrorType:           errType,
		ErrorMessage:        msg,
		PendingApproval:     &cleared,
		CompletedAt:         &now,
		TotalDurationMs:     &duration,
		EstimatedCostMillis: &cost,
	})
	if err != nil {
		return t, err
	}
	r.Forget(id)
	r.notify(ctx, StepEvent{RunID: id, TraceStatus: status})

	attrs := []any{"trace_id", id, "status", status, "duration_ms", duration, "total_tokens", t.TotalTokens}
	if status == model.TraceStatusFailed {
		r.logger.Warn("trace: finished", append(attrs, "error_type", errType, "error", msg)...)
	} else {
		r.logger.Info("trace: finished", attrs...)
	}
	return t, nil
}

func (r *Recorder) update(ctx context.Context, id string, u storage.TraceUpdate) (model.WorkflowTrace, error) {
	u.UpdatedAt = r.now()
	t, err := r.store.UpdateTrace(ctx, id, u)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.WorkflowTrace{}, fmt.Errorf("%w: %s", ErrTerminal, id)
		}
		return model.WorkflowTrace{}, fmt.Errorf("trace: update %s: %w", id, err)
	}
	return t, nil
}

// Forget drops the in-memory step counter of a trace.
func (r *Recorder) Forget(traceID string) {
	r.mu.Lock()
	delete(r.lastStep, traceID)
	r.mu.Unlock()
}

func (r *Recorder) reserveStep(ctx context.Context, traceID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.lastStep[traceID]
	if !ok {
		stored, err := r.store.MaxStepNumber(ctx, traceID)
		if err != nil {
			return 0, fmt.Errorf("trace: seed step number: %w", err)
		}
		last = stored
	}
	last++
	r.lastStep[traceID] = last
	return last, nil
}

// StepInput describes a step.
type StepInput struct {
	Type       model.StepType
	ToolName   string
	ToolCallID string
	Detail     any
}

func (r *Recorder) newStep(ctx context.Context, traceID string, in StepInput) (model.WorkflowStep, error) {
	n, err := r.reserveStep(ctx, traceID)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	detail, err := encodeDetail(in.Detail)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	return model.WorkflowStep{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		StepNumber: n,
		StepType:   in.Type,
		Status:     model.StepStatusStarted,
		ToolName:   in.ToolName,
		ToolCallID: in.ToolCallID,
		Detail:     detail,
		StartedAt:  r.now(),
	}, nil
}

// BeginStep inserts a STARTED step and returns it for a later EndStep.
func (r *Recorder) BeginStep(ctx context.Context, traceID string, in StepInput) (model.WorkflowStep, error) {
	s, err := r.newStep(ctx, traceID, in)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	if err := r.store.InsertStep(ctx, s); err != nil {
		return model.WorkflowStep{}, fmt.Errorf("trace: begin step: %w", err)
	}
	r.notifyStep(ctx, s)
	return s, nil
}

// EndStep completes or fails a STARTED step. detail, when non-nil, replaces
// the step's detail.
func (r *Recorder) EndStep(ctx context.Context, s model.WorkflowStep, status model.StepStatus, errMsg string, detail any) (model.WorkflowStep, error) {
	enc, err := encodeDetail(detail)
	if err != nil {
		return s, err
	}
	now := r.now()
	dur := now.Sub(s.StartedAt).Milliseconds()
	err = r.store.FinishStep(ctx, storage.StepUpdate{
		ID:          s.ID,
		Status:      status,
		Error:       errMsg,
		Detail:      enc,
		CompletedAt: now,
		DurationMs:  dur,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return s, fmt.Errorf("%w: %s", ErrStepFinished, s.ID)
		}
		return s, fmt.Errorf("trace: end step: %w", err)
	}
	s.Status = status
	s.Error = errMsg
	if enc != nil {
		s.Detail = enc
	}
	s.CompletedAt = &now
	s.DurationMs = &dur
	r.notifyStep(ctx, s)
	return s, nil
}

// RecordStep inserts a step that is already finished.
func (r *Recorder) RecordStep(ctx context.Context, traceID string, in StepInput, status model.StepStatus, errMsg string) (model.WorkflowStep, error) {
	s, err := r.newStep(ctx, traceID, in)
	if err != nil {
		return model.WorkflowStep{}, err
	}
	var zero int64
	s.Status = status
	s.Error = errMsg
	s.CompletedAt = &s.StartedAt
	s.DurationMs = &zero
	if err := r.store.InsertStep(ctx, s); err != nil {
		return model.WorkflowStep{}, fmt.Errorf("trace: record step: %w", err)
	}
	r.notifyStep(ctx, s)
	return s, nil
}

// RecordDelta logs a text_delta step through the async buffer.
func (r *Recorder) RecordDelta(ctx context.Context, traceID string, kind model.ChunkKind, chars int) error {
	s, err := r.newStep(ctx, traceID, StepInput{
		Type:   model.StepTypeTextDelta,
		Detail: map[string]any{"kind": kind, "chars": chars},
	})
	if err != nil {
		return err
	}
	var zero int64
	s.Status = model.StepStatusCompleted
	s.CompletedAt = &s.StartedAt
	s.DurationMs = &zero
	if r.buffer == nil {
		if err := r.store.InsertStep(ctx, s); err != nil {
			return fmt.Errorf("trace: record delta: %w", err)
		}
		return nil
	}
	return r.buffer.Append(s)
}

func (r *Recorder) notifyStep(ctx context.Context, s model.WorkflowStep) {
	r.notify(ctx, StepEvent{RunID: s.TraceID, StepNumber: s.StepNumber, StepType: s.StepType, Status: s.Status})
}

func (r *Recorder) notify(ctx context.Context, e StepEvent) {
	if r.notifier == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := r.notifier.Notify(ctx, storage.ChannelSteps, string(payload)); err != nil {
		r.logger.Warn("trace: step notify failed", "trace_id", e.RunID, "error", err)
	}
}

func encodeDetail(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("trace: encode step detail: %w", err)
	}
	return b, nil
}
