// Package model defines the core domain types for kiseki.
//
// Types map directly onto database rows and API payloads. Statuses are string
// enums so they read naturally in JSON, SQL and logs.
package model

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// TraceStatus is the lifecycle state of a workflow trace (one agent run).
type TraceStatus string

const (
	TraceStatusStarted    TraceStatus = "STARTED"
	TraceStatusInProgress TraceStatus = "IN_PROGRESS"
	TraceStatusCompleted  TraceStatus = "COMPLETED"
	TraceStatusFailed     TraceStatus = "FAILED"
	TraceStatusCancelled  TraceStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s TraceStatus) Terminal() bool {
	return s == TraceStatusCompleted || s == TraceStatusFailed || s == TraceStatusCancelled
}

// WorkflowTypeAgentRun is the only workflow type the orchestrator produces.
const WorkflowTypeAgentRun = "agent_run"

// Error types recorded on failed traces.
const (
	ErrorTypeAuth              = "AuthError"
	ErrorTypeValidation        = "ValidationError"
	ErrorTypeTransientProvider = "TransientProviderError"
	ErrorTypeNonTransient      = "NonTransientError"
	ErrorTypePersistence       = "PersistenceError"
	ErrorTypeMaxTurns          = "MaxTurnsExceeded"
	ErrorTypeCancelled         = "Cancelled"
)

// WorkflowTrace is the persisted record of one agent run.
// The trace ID doubles as the run ID.
type WorkflowTrace struct {
	ID                  string          `json:"id"`
	TaskID              string          `json:"task_id"`
	MessageID           string          `json:"message_id"`
	WorkflowType        string          `json:"workflow_type"`
	Status              TraceStatus     `json:"status"`
	Model               string          `json:"model"`
	Provider            string          `json:"provider"`
	PromptTokens        int64           `json:"prompt_tokens"`
	CompletionTokens    int64           `json:"completion_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	RetryCount          int             `json:"retry_count"`
	EstimatedCostMillis int64           `json:"estimated_cost_millicents"`
	ErrorType           string          `json:"error_type,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	PendingApproval     []string        `json:"pending_approval,omitempty"`
	Input               json.RawMessage `json:"-"`
	StartedAt           time.Time       `json:"started_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	TotalDurationMs     *int64          `json:"total_duration_ms,omitempty"`
}

// RunInput is the durable part of a run request. Credentials are never part of it.
type RunInput struct {
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	MaxTurns        int      `json:"max_turns,omitempty"`
}

// RunRequest starts a new agent run.
type RunRequest struct {
	TaskID          string   `json:"task_id"`
	Prompt          string   `json:"prompt"`
	Model           string   `json:"model"`
	Provider        string   `json:"provider,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	APIKey          string   `json:"api_key,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	MaxTurns        int      `json:"max_turns,omitempty"`
}

// RunHandle identifies a submitted run.
type RunHandle struct {
	RunID     string `json:"run_id"`
	TraceID   string `json:"trace_id"`
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
}

// RunStatus is the externally visible summary of a run.
type RunStatus struct {
	RunID            string      `json:"run_id"`
	TaskID           string      `json:"task_id"`
	MessageID        string      `json:"message_id"`
	Status           TraceStatus `json:"status"`
	RetryCount       int         `json:"retry_count"`
	PromptTokens     int64       `json:"prompt_tokens"`
	CompletionTokens int64       `json:"completion_tokens"`
	TotalTokens      int64       `json:"total_tokens"`
	ErrorType        string      `json:"error_type,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	PendingApproval  []string    `json:"pending_approval,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Running          bool        `json:"running"`
}

// StopResult reports what a stop request did.
type StopResult struct {
	RunID   string      `json:"run_id"`
	Status  TraceStatus `json:"status"`
	Stopped bool        `json:"stopped"`
}

// ApprovalDecision is the user's answer to a pending approval.
type ApprovalDecision struct {
	RunID       string    `json:"run_id"`
	ToolCallIDs []string  `json:"tool_call_ids"`
	Approved    bool      `json:"approved"`
	Reason      string    `json:"reason,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
}

// RunFeed is the ordered live view of a run for observers.
type RunFeed struct {
	Trace     WorkflowTrace     `json:"trace"`
	Steps     []WorkflowStep    `json:"steps"`
	Streaming *StreamingMetrics `json:"streaming,omitempty"`
	ToolCalls []ToolCall        `json:"tool_calls"`
}

// TaskMetrics aggregates all traces of a task.
type TaskMetrics struct {
	TaskID                string  `json:"task_id"`
	TotalTraces           int     `json:"total_traces"`
	CompletedTraces       int     `json:"completed_traces"`
	FailedTraces          int     `json:"failed_traces"`
	CancelledTraces       int     `json:"cancelled_traces"`
	SuccessRate           float64 `json:"success_rate"`
	TotalTokens           int64   `json:"total_tokens"`
	TotalCostMillicents   int64   `json:"total_cost_millicents"`
	TotalCostDollars      float64 `json:"total_cost_dollars"`
	AvgDurationMs         int64   `json:"avg_duration_ms"`
	AvgCharsPerWrite      float64 `json:"avg_chars_per_write"`
	StreamingMetricsCount int     `json:"streaming_metrics_count"`
}

// NewTraceID returns an ID of the form trace_<base36 millis>_<8 random base36 chars>.
func NewTraceID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	var sb strings.Builder
	sb.WriteString("trace_")
	sb.WriteString(strconv.FormatInt(now.UnixMilli(), 36))
	sb.WriteByte('_')
	limit := big.NewInt(int64(len(alphabet)))
	for range 8 {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			sb.WriteByte('0')
			continue
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String()
}
