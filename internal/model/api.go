package model

import (
	"fmt"
	"regexp"
	"time"
)

// Field length limits for run requests. They keep a single request from
// filling TEXT columns or the model context with caller-controlled garbage.
const (
	MaxTaskIDLen       = 200
	MaxModelLen        = 200
	MaxPromptLen       = 256 * 1024 // 256 KB
	MaxSystemPromptLen = 64 * 1024  // 64 KB
	MaxToolsPerRun     = 64
	MaxTurnsLimit      = 200
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// ValidateRunRequest checks required fields and per-field limits.
func ValidateRunRequest(req RunRequest) error {
	if req.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if len(req.TaskID) > MaxTaskIDLen || !taskIDPattern.MatchString(req.TaskID) {
		return fmt.Errorf("task_id must be 1-%d characters of letters, digits, '.', '_', ':' or '-'", MaxTaskIDLen)
	}
	if req.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(req.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if req.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Model) > MaxModelLen {
		return fmt.Errorf("model exceeds maximum length of %d characters", MaxModelLen)
	}
	if len(req.SystemPrompt) > MaxSystemPromptLen {
		return fmt.Errorf("system_prompt exceeds maximum length of %d bytes", MaxSystemPromptLen)
	}
	if len(req.Tools) > MaxToolsPerRun {
		return fmt.Errorf("at most %d tools may be enabled per run", MaxToolsPerRun)
	}
	if req.MaxTurns < 0 || req.MaxTurns > MaxTurnsLimit {
		return fmt.Errorf("max_turns must be between 0 and %d", MaxTurnsLimit)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// ApprovalRequest is the body of POST /v1/runs/{run_id}/approval.
type ApprovalRequest struct {
	ToolCallIDs []string `json:"tool_call_ids"`
	Approved    bool     `json:"approved"`
	Reason      string   `json:"reason,omitempty"`
}

// CommandCheckRequest is the body of POST /v1/security/command.
type CommandCheckRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

// CommandCheckResponse reports a command verdict.
type CommandCheckResponse struct {
	Valid   bool   `json:"valid"`
	Command string `json:"command"`
	Level   string `json:"level"`
	Error   string `json:"error,omitempty"`
}

// URLCheckRequest is the body of POST /v1/security/url.
type URLCheckRequest struct {
	URL string `json:"url"`
}

// URLCheckResponse reports a URL verdict.
type URLCheckResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// DeleteResult reports how many rows a delete removed.
type DeleteResult struct {
	Deleted int64 `json:"deleted"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	Lease        string `json:"lease,omitempty"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"`
	ActiveRuns   int    `json:"active_runs"`
	SSEBroker    string `json:"sse_broker,omitempty"`
	Uptime       int64  `json:"uptime_seconds"`
}
