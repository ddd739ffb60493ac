package model

import (
	"encoding/json"
	"time"
)

// StepType classifies a workflow step.
type StepType string

const (
	StepTypeLLMCall    StepType = "llm_call"
	StepTypeToolCall   StepType = "tool_call"
	StepTypeToolResult StepType = "tool_result"
	StepTypeTextDelta  StepType = "text_delta"
	StepTypeRetry      StepType = "retry"
)

// StepStatus is the state of a single step.
type StepStatus string

const (
	StepStatusStarted   StepStatus = "STARTED"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// WorkflowStep is one entry of a trace's step log. StepNumber is unique per
// trace and strictly increasing in creation order.
type WorkflowStep struct {
	ID          string          `json:"id"`
	TraceID     string          `json:"trace_id"`
	StepNumber  int             `json:"step_number"`
	StepType    StepType        `json:"step_type"`
	Status      StepStatus      `json:"status"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
}
