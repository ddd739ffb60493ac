// Package provider defines the model-provider contract the orchestrator
// drives and the error type every provider returns.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/retry"
)

// Request is one model call.
type Request struct {
	Model     string
	Messages  []model.Message
	Tools     []model.ToolDefinition
	MaxTokens int64
	// APIKey overrides the provider's configured key for this call only.
	APIKey string
}

// Chunk is one streamed fragment of a response.
type Chunk struct {
	Kind model.ChunkKind
	Text string
	// ToolCall is set on ChunkToolCall once the call's arguments are complete.
	ToolCall *model.ToolCallRequest
}

// Response is the complete result of a model call.
type Response struct {
	Content    string
	ToolCalls  []model.ToolCallRequest
	Usage      model.Usage
	StopReason string
}

// Model generates a response, streaming fragments to onChunk as they arrive.
// An error returned by onChunk aborts the call and is returned unchanged.
type Model interface {
	Name() string
	Generate(ctx context.Context, req Request, onChunk func(Chunk) error) (*Response, error)
}

// Error is a failed provider call.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus lets the retry classifier read the status code.
func (e *Error) HTTPStatus() int { return e.StatusCode }

var _ retry.StatusCoder = (*Error)(nil)

// ErrUnknownProvider is returned by Registry.Resolve.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// Registry resolves a provider by name or by model identifier.
type Registry struct {
	models map[string]Model
}

// NewRegistry registers models under their Name.
func NewRegistry(models ...Model) *Registry {
	r := &Registry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		if m != nil {
			r.models[m.Name()] = m
		}
	}
	return r
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.models))
	for n := range r.models {
		out = append(out, n)
	}
	return out
}

// Resolve returns the provider called name, or infers one from modelID when
// name is empty.
func (r *Registry) Resolve(name, modelID string) (Model, error) {
	if name == "" {
		name = InferProvider(modelID)
	}
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return m, nil
}

// InferProvider guesses a provider from a model identifier. Routed
// identifiers of the form vendor/model go to the OpenAI-compatible client.
func InferProvider(modelID string) string {
	m := strings.ToLower(modelID)
	switch {
	case strings.Contains(m, "/"):
		return "openai"
	case strings.HasPrefix(m, "claude"):
		return "anthropic"
	default:
		return "openai"
	}
}

// ErrorType maps a failed call to the error type recorded on the trace.
func ErrorType(err error) string {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return model.ErrorTypeTransientProvider
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden:
			return model.ErrorTypeAuth
		case pe.StatusCode == http.StatusBadRequest || pe.StatusCode == http.StatusUnprocessableEntity:
			return model.ErrorTypeValidation
		}
	}
	return model.ErrorTypeNonTransient
}

// FriendlyMessage turns a provider failure into text suitable for an end user.
func FriendlyMessage(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		lower := strings.ToLower(pe.Message)
		switch {
		case pe.StatusCode == http.StatusUnauthorized:
			return "Authentication failed. Check that the API key for " + pe.Provider + " is valid."
		case pe.StatusCode == http.StatusForbidden:
			return "Access denied by " + pe.Provider + ". The API key may lack permission for this model."
		case strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient") || strings.Contains(lower, "credit"):
			return "The " + pe.Provider + " account has run out of quota or credits."
		case pe.StatusCode == http.StatusTooManyRequests:
			return "Rate limited by " + pe.Provider + ". Please wait a moment and try again."
		}
	}
	return err.Error()
}
