package testutil

import (
	"context"
	"strings"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/provider"
)

// EchoModel is a provider.Model that answers with "echo: " plus the last user
// message, streamed word by word. When Gate is non-nil every call blocks until
// it is closed or the call is cancelled.
type EchoModel struct {
	ProviderName string
	Gate         chan struct{}
}

// Name returns ProviderName, or "echo".
func (m *EchoModel) Name() string {
	if m.ProviderName == "" {
		return "echo"
	}
	return m.ProviderName
}

// Generate implements provider.Model.
func (m *EchoModel) Generate(ctx context.Context, req provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var prompt string
	for _, msg := range req.Messages {
		if msg.Role == model.RoleUser {
			prompt = msg.Content
		}
	}
	text := "echo: " + prompt
	for _, word := range strings.SplitAfter(text, " ") {
		if word == "" {
			continue
		}
		if err := onChunk(provider.Chunk{Kind: model.ChunkText, Text: word}); err != nil {
			return nil, err
		}
	}
	return &provider.Response{
		Content:    text,
		Usage:      model.Usage{PromptTokens: int64(len(prompt)), CompletionTokens: int64(len(text))},
		StopReason: "stop",
	}, nil
}
