package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/retry"
)

type stubModel struct {
	name string
	resp *Response
	err  error
	got  Request
}

func (s *stubModel) Name() string { return s.name }

func (s *stubModel) Generate(_ context.Context, req Request, _ func(Chunk) error) (*Response, error) {
	s.got = req
	return s.resp, s.err
}

func TestErrorFeedsRetryClassifier(t *testing.T) {
	cases := []struct {
		code      int
		transient bool
	}{
		{401, false}, {403, false}, {400, false}, {404, false},
		{408, true}, {429, true}, {500, true}, {503, true},
	}
	for _, tc := range cases {
		err := &Error{Provider: "openai", StatusCode: tc.code, Message: "x"}
		assert.Equal(t, tc.transient, retry.IsTransient(err), "status %d", tc.code)
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Provider: "anthropic", StatusCode: 429, Message: "slow down"}
	assert.Equal(t, "anthropic: 429 Too Many Requests: slow down", err.Error())
	assert.Equal(t, "anthropic: eof", (&Error{Provider: "anthropic", Message: "eof"}).Error())
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, model.ErrorTypeAuth, ErrorType(&Error{StatusCode: 401}))
	assert.Equal(t, model.ErrorTypeValidation, ErrorType(&Error{StatusCode: 400}))
	assert.Equal(t, model.ErrorTypeNonTransient, ErrorType(errors.New("weird")))
	assert.Equal(t, model.ErrorTypeTransientProvider, ErrorType(&retry.ExhaustedError{Attempts: 3, LastError: &Error{StatusCode: 503}}))
}

func TestFriendlyMessage(t *testing.T) {
	assert.Contains(t, FriendlyMessage(&Error{Provider: "openai", StatusCode: 401}), "Authentication failed")
	assert.Contains(t, FriendlyMessage(&Error{Provider: "openai", StatusCode: 429, Message: "insufficient_quota"}), "quota")
	assert.Contains(t, FriendlyMessage(&Error{Provider: "openai", StatusCode: 429, Message: "slow"}), "Rate limited")
	assert.Equal(t, "plain", FriendlyMessage(errors.New("plain")))
}

func TestRegistryResolve(t *testing.T) {
	a := &stubModel{name: "anthropic"}
	o := &stubModel{name: "openai"}
	r := NewRegistry(a, o, nil)

	m, err := r.Resolve("", "claude-sonnet-4-20250514")
	require.NoError(t, err)
	assert.Same(t, a, m)

	m, err = r.Resolve("", "anthropic/claude-sonnet-4")
	require.NoError(t, err)
	assert.Same(t, o, m, "routed ids use the compatible endpoint")

	_, err = r.Resolve("gemini", "x")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ElementsMatch(t, []string{"anthropic", "openai"}, r.Names())
}

func TestSummarizer(t *testing.T) {
	m := &stubModel{name: "openai", resp: &Response{Content: "  summary  "}}
	out, err := Summarizer{Model: m, ModelName: "gpt-4o-mini"}.Summarize(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
	assert.Equal(t, "gpt-4o-mini", m.got.Model)
	assert.Equal(t, int64(1024), m.got.MaxTokens)

	m.resp = &Response{}
	_, err = Summarizer{Model: m}.Summarize(context.Background(), "prompt")
	assert.Error(t, err)
}
