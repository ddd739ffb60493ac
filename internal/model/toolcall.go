package model

import (
	"encoding/json"
	"time"
)

// ToolCallStatus is the execution state of a tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "PENDING"
	ToolCallRunning   ToolCallStatus = "RUNNING"
	ToolCallCompleted ToolCallStatus = "COMPLETED"
	ToolCallFailed    ToolCallStatus = "FAILED"
)

// Terminal reports whether the call has finished.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCallCompleted || s == ToolCallFailed
}

// ToolCall is the durable record of one tool invocation. Args are stored
// verbatim and never interpreted by the tracker.
type ToolCall struct {
	ToolCallID  string          `json:"tool_call_id"`
	MessageID   string          `json:"message_id"`
	TaskID      string          `json:"task_id"`
	TraceID     string          `json:"trace_id,omitempty"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args"`
	Status      ToolCallStatus  `json:"status"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ToolDefinition describes a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}
