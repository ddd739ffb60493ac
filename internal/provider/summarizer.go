package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/kiseki/internal/model"
)

// Summarizer asks a model for a conversation summary.
type Summarizer struct {
	Model     Model
	ModelName string
	MaxTokens int64
}

// Summarize returns the model's answer to prompt.
func (s Summarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := s.Model.Generate(ctx, Request{
		Model:     s.ModelName,
		Messages:  []model.Message{{Role: model.RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("provider: summarize: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("provider: summarize: empty summary")
	}
	return out, nil
}
