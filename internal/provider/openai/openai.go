// Package openai implements provider.Model on the OpenAI Chat Completions
// API and any endpoint compatible with it.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/provider"
)

// Name is the provider name.
const Name = "openai"

// CompletionsClient is the subset of the SDK used here;
// *sdk.ChatCompletionService satisfies it.
type CompletionsClient interface {
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the client.
type Options struct {
	APIKey     string
	BaseURL    string
	MaxTokens  int64
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	chat      CompletionsClient
	maxTokens int64
}

var _ provider.Model = (*Client)(nil)

// New builds a client on the SDK's HTTP transport.
func New(opts Options) *Client {
	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	reqOpts = append(reqOpts, option.WithMaxRetries(0))
	c := sdk.NewClient(reqOpts...)
	return NewFromCompletions(&c.Chat.Completions, opts.MaxTokens)
}

// NewFromCompletions wraps an existing completions client.
func NewFromCompletions(chat CompletionsClient, maxTokens int64) *Client {
	return &Client{chat: chat, maxTokens: maxTokens}
}

// Name implements provider.Model.
func (c *Client) Name() string { return Name }

// Generate streams one chat completion.
func (c *Client) Generate(ctx context.Context, req provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	var callOpts []option.RequestOption
	if req.APIKey != "" {
		callOpts = append(callOpts, option.WithAPIKey(req.APIKey))
	}

	stream := c.chat.NewStreaming(ctx, params, callOpts...)
	defer func() { _ = stream.Close() }()

	acc := newAccumulator(onChunk)
	for stream.Next() {
		if err := acc.add(stream.Current()); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, toError(err)
	}
	return acc.finish()
}

func (c *Client) params(req provider.Request) (sdk.ChatCompletionNewParams, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(maxTokens)
	}
	for _, d := range req.Tools {
		fn := sdk.FunctionDefinitionParam{Name: d.Name}
		if d.Description != "" {
			fn.Description = sdk.String(d.Description)
		}
		if len(d.Schema) > 0 {
			var schema sdk.FunctionParameters
			if err := json.Unmarshal(d.Schema, &schema); err != nil {
				return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: tool %q schema: %w", d.Name, err)
			}
			fn.Parameters = schema
		}
		params.Tools = append(params.Tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
		case model.RoleTool:
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		case model.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			asst := sdk.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = sdk.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func toError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		if apiErr.Code != "" {
			msg = apiErr.Code + ": " + msg
		}
		return &provider.Error{Provider: Name, StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	}
	return &provider.Error{Provider: Name, Message: err.Error(), Err: err}
}

// accumulator joins streamed deltas. Tool call fragments are keyed by the
// index the API assigns them.
type accumulator struct {
	emit       func(provider.Chunk) error
	text       strings.Builder
	calls      map[int64]*callBuffer
	usage      model.Usage
	stopReason string
}

type callBuffer struct {
	id, name string
	args     strings.Builder
}

func newAccumulator(onChunk func(provider.Chunk) error) *accumulator {
	if onChunk == nil {
		onChunk = func(provider.Chunk) error { return nil }
	}
	return &accumulator{emit: onChunk, calls: make(map[int64]*callBuffer)}
}

func (a *accumulator) add(ck sdk.ChatCompletionChunk) error {
	if ck.Usage.PromptTokens > 0 || ck.Usage.CompletionTokens > 0 {
		a.usage = model.Usage{PromptTokens: ck.Usage.PromptTokens, CompletionTokens: ck.Usage.CompletionTokens}
	}
	for _, ch := range ck.Choices {
		if ch.Delta.Content != "" {
			a.text.WriteString(ch.Delta.Content)
			if err := a.emit(provider.Chunk{Kind: model.ChunkText, Text: ch.Delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range ch.Delta.ToolCalls {
			cb, ok := a.calls[tc.Index]
			if !ok {
				cb = &callBuffer{}
				a.calls[tc.Index] = cb
			}
			if tc.ID != "" {
				cb.id = tc.ID
			}
			if tc.Function.Name != "" {
				cb.name = tc.Function.Name
			}
			cb.args.WriteString(tc.Function.Arguments)
		}
		if ch.FinishReason != "" {
			a.stopReason = ch.FinishReason
		}
	}
	return nil
}

func (a *accumulator) finish() (*provider.Response, error) {
	idx := make([]int64, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })

	resp := &provider.Response{Content: a.text.String(), Usage: a.usage, StopReason: a.stopReason}
	for _, i := range idx {
		cb := a.calls[i]
		if cb.id == "" || cb.name == "" {
			return nil, &provider.Error{Provider: Name, Message: fmt.Sprintf("tool call %d is missing an id or name", i)}
		}
		args := strings.TrimSpace(cb.args.String())
		if args == "" {
			args = "{}"
		}
		call := model.ToolCallRequest{ID: cb.id, Name: cb.name, Arguments: json.RawMessage(args)}
		resp.ToolCalls = append(resp.ToolCalls, call)
		if err := a.emit(provider.Chunk{Kind: model.ChunkToolCall, Text: cb.name, ToolCall: &call}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
