package model

import (
	"encoding/json"
	"time"
)

// Role is a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a run's conversation. The persisted sequence of
// messages is the run checkpoint.
type Message struct {
	RunID      string            `json:"run_id,omitempty"`
	Seq        int               `json:"seq"`
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage reports token consumption for one model call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}
