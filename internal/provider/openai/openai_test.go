package openai

import (
	"encoding/json"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/provider"
)

func chunk(t *testing.T, raw string) sdk.ChatCompletionChunk {
	t.Helper()
	var ck sdk.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &ck))
	return ck
}

func TestAccumulatorJoinsToolCallFragments(t *testing.T) {
	var chunks []provider.Chunk
	acc := newAccumulator(func(c provider.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})

	stream := []string{
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Checking"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"fetch","arguments":""}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"shell","arguments":"{\"command\""}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"ls\"}"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":30,"completion_tokens":12,"total_tokens":42}}`,
	}
	for _, raw := range stream {
		require.NoError(t, acc.add(chunk(t, raw)))
	}
	resp, err := acc.finish()
	require.NoError(t, err)

	assert.Equal(t, "Checking", resp.Content)
	assert.Equal(t, "tool_calls", resp.StopReason)
	assert.Equal(t, model.Usage{PromptTokens: 30, CompletionTokens: 12}, resp.Usage)
	require.Len(t, resp.ToolCalls, 2)
	assert.Equal(t, "call_a", resp.ToolCalls[0].ID, "calls are ordered by stream index")
	assert.JSONEq(t, `{"command":"ls"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, "{}", string(resp.ToolCalls[1].Arguments))

	require.Len(t, chunks, 3)
	assert.Equal(t, model.ChunkText, chunks[0].Kind)
}

func TestAccumulatorRejectsNamelessCall(t *testing.T) {
	acc := newAccumulator(nil)
	require.NoError(t, acc.add(chunk(t, `{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`)))
	_, err := acc.finish()
	var pe *provider.Error
	assert.ErrorAs(t, err, &pe)
}

func TestEncodeMessages(t *testing.T) {
	out, err := encodeMessages([]model.Message{
		{Role: model.RoleSystem, Content: "sys"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "calling", ToolCalls: []model.ToolCallRequest{{ID: "x", Name: "shell"}}},
		{Role: model.RoleTool, ToolCallID: "x", Content: "done"},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)
	require.NotNil(t, out[2].OfAssistant)
	assert.Equal(t, "{}", out[2].OfAssistant.ToolCalls[0].Function.Arguments)
	require.NotNil(t, out[3].OfTool)
	assert.Equal(t, "x", out[3].OfTool.ToolCallID)

	_, err = encodeMessages([]model.Message{{Role: "robot"}})
	assert.Error(t, err)
}
