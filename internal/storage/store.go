package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashita-ai/kiseki/internal/model"
)

// Store is the persistence contract shared by the Postgres DB and the
// embedded SQLite store. Lookups of missing rows return ErrNotFound;
// duplicate keys and ineligible conditional updates return ErrConflict.
type Store interface {
	Ping(ctx context.Context) error
	Backend() string

	CreateTrace(ctx context.Context, t model.WorkflowTrace) error
	GetTrace(ctx context.Context, id string) (model.WorkflowTrace, error)
	UpdateTrace(ctx context.Context, id string, u TraceUpdate) (model.WorkflowTrace, error)
	ListTracesByTask(ctx context.Context, taskID string, limit int) ([]model.WorkflowTrace, error)
	ListActiveTraces(ctx context.Context) ([]model.WorkflowTrace, error)

	InsertStep(ctx context.Context, s model.WorkflowStep) error
	InsertSteps(ctx context.Context, steps []model.WorkflowStep) (int64, error)
	FinishStep(ctx context.Context, u StepUpdate) error
	ListSteps(ctx context.Context, traceID string) ([]model.WorkflowStep, error)
	MaxStepNumber(ctx context.Context, traceID string) (int, error)

	CreateToolCall(ctx context.Context, tc model.ToolCall) error
	UpdateToolCall(ctx context.Context, u ToolCallUpdate) (model.ToolCall, error)
	GetToolCall(ctx context.Context, messageID, toolCallID string) (model.ToolCall, error)
	ListToolCallsByMessage(ctx context.Context, messageID string) ([]model.ToolCall, error)
	ListToolCallsByTask(ctx context.Context, taskID string) ([]model.ToolCall, error)
	FailStaleToolCalls(ctx context.Context, messageID, reason string, now time.Time) (int64, error)
	DeleteToolCallsByTask(ctx context.Context, taskID string) (int64, error)

	UpsertStreamingMetrics(ctx context.Context, m model.StreamingMetrics) error
	GetStreamingMetrics(ctx context.Context, streamID string) (model.StreamingMetrics, error)
	ListStreamingMetricsByTask(ctx context.Context, taskID string) ([]model.StreamingMetrics, error)
	AppendStreamChunk(ctx context.Context, c model.StreamChunk) error
	ListStreamChunks(ctx context.Context, streamID string, afterSeq int64, limit int) ([]model.StreamChunk, error)

	AppendMessages(ctx context.Context, runID string, msgs []model.Message) error
	ListMessages(ctx context.Context, runID string) ([]model.Message, error)

	SaveApproval(ctx context.Context, d model.ApprovalDecision) error
	GetApproval(ctx context.Context, runID string) (model.ApprovalDecision, error)
}

// TraceUpdate describes a change to a non-terminal trace. Zero values leave
// the column untouched; token and retry fields are increments.
type TraceUpdate struct {
	Status              model.TraceStatus
	AddPromptTokens     int64
	AddCompletionTokens int64
	AddRetries          int
	PendingApproval     *[]string
	ErrorType           string
	ErrorMessage        string
	CompletedAt         *time.Time
	TotalDurationMs     *int64
	EstimatedCostMillis *int64
	UpdatedAt           time.Time
}

// PendingJSON encodes PendingApproval, or returns nil when it is unset.
func (u TraceUpdate) PendingJSON() []byte {
	if u.PendingApproval == nil {
		return nil
	}
	ids := *u.PendingApproval
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return b
}

// StepUpdate ends a STARTED step.
type StepUpdate struct {
	ID          string
	Status      model.StepStatus
	Error       string
	Detail      json.RawMessage
	CompletedAt time.Time
	DurationMs  int64
}

// ToolCallUpdate sets the status of a tool call and, when terminal, its outcome.
// A tool call is identified by its message and the model-issued id.
type ToolCallUpdate struct {
	MessageID   string
	ToolCallID  string
	Status      model.ToolCallStatus
	Result      string
	Error       string
	CompletedAt *time.Time
}

// DefaultListLimit caps list queries that take a limit.
const DefaultListLimit = 100

// ClampLimit applies DefaultListLimit and an upper bound of 1000.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > 1000:
		return 1000
	}
	return limit
}
