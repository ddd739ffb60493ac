// Package anthropic implements provider.Model on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/provider"
)

// Name is the provider name.
const Name = "anthropic"

// DefaultMaxTokens caps a completion when the request does not.
const DefaultMaxTokens = 8192

// MessagesClient is the subset of the SDK used here; *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
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
	msg       MessagesClient
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
	// Retries are owned by the orchestrator's retry executor.
	reqOpts = append(reqOpts, option.WithMaxRetries(0))
	c := sdk.NewClient(reqOpts...)
	return NewFromMessages(&c.Messages, opts.MaxTokens)
}

// NewFromMessages wraps an existing messages client.
func NewFromMessages(msg MessagesClient, maxTokens int64) *Client {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{msg: msg, maxTokens: maxTokens}
}

// Name implements provider.Model.
func (c *Client) Name() string { return Name }

// Generate streams one Messages call.
func (c *Client) Generate(ctx context.Context, req provider.Request, onChunk func(provider.Chunk) error) (*provider.Response, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	var callOpts []option.RequestOption
	if req.APIKey != "" {
		callOpts = append(callOpts, option.WithAPIKey(req.APIKey))
	}

	stream := c.msg.NewStreaming(ctx, params, callOpts...)
	defer func() { _ = stream.Close() }()

	p := newProcessor(onChunk)
	for stream.Next() {
		if err := p.handle(stream.Current()); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, toError(err)
	}
	return p.response(), nil
}

func (c *Client) params(req provider.Request) (sdk.MessageNewParams, error) {
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// encodeMessages maps the conversation onto Anthropic's shape: system text
// moves to the system parameter and consecutive tool results are grouped
// into one user turn.
func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var (
		out     []sdk.MessageParam
		system  []sdk.TextBlockParam
		results []sdk.ContentBlockParamUnion
	)
	flushResults := func() {
		if len(results) > 0 {
			out = append(out, sdk.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleTool:
			results = append(results, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case model.RoleUser:
			flushResults()
			if m.Content != "" {
				out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
			}
		case model.RoleAssistant:
			flushResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					input = tc.Arguments
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushResults()
	if len(out) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return out, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if len(d.Schema) > 0 {
			var fields map[string]any
			if err := json.Unmarshal(d.Schema, &fields); err != nil {
				return nil, fmt.Errorf("anthropic: tool %q schema: %w", d.Name, err)
			}
			schema.ExtraFields = fields
		}
		u := sdk.ToolUnionParamOfTool(schema, d.Name)
		if u.OfTool != nil && d.Description != "" {
			u.OfTool.Description = sdk.String(d.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &provider.Error{Provider: Name, StatusCode: apiErr.StatusCode, Message: apiMessage(apiErr), Err: err}
	}
	return &provider.Error{Provider: Name, Message: err.Error(), Err: err}
}

func apiMessage(e *sdk.Error) string {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if raw := e.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &body) == nil && body.Error.Message != "" {
		return body.Error.Type + ": " + body.Error.Message
	}
	return e.Error()
}

// processor folds stream events into chunks and a final response.
type processor struct {
	emit    func(provider.Chunk) error
	text    strings.Builder
	tools   map[int]*toolBuffer
	calls   []model.ToolCallRequest
	usage   model.Usage
	stopWhy string
}

type toolBuffer struct {
	id, name  string
	fragments strings.Builder
}

func newProcessor(onChunk func(provider.Chunk) error) *processor {
	if onChunk == nil {
		onChunk = func(provider.Chunk) error { return nil }
	}
	return &processor{emit: onChunk, tools: make(map[int]*toolBuffer)}
}

func (p *processor) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.usage.PromptTokens = ev.Message.Usage.InputTokens
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if tu.ID == "" || tu.Name == "" {
				return errors.New("anthropic: tool use block missing id or name")
			}
			p.tools[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text == "" {
				return nil
			}
			p.text.WriteString(d.Text)
			return p.emit(provider.Chunk{Kind: model.ChunkText, Text: d.Text})
		case sdk.ThinkingDelta:
			if d.Thinking == "" {
				return nil
			}
			return p.emit(provider.Chunk{Kind: model.ChunkReasoning, Text: d.Thinking})
		case sdk.InputJSONDelta:
			if tb := p.tools[int(ev.Index)]; tb != nil {
				tb.fragments.WriteString(d.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := p.tools[idx]
		if tb == nil {
			return nil
		}
		delete(p.tools, idx)
		args := strings.TrimSpace(tb.fragments.String())
		if args == "" {
			args = "{}"
		}
		call := model.ToolCallRequest{ID: tb.id, Name: tb.name, Arguments: json.RawMessage(args)}
		p.calls = append(p.calls, call)
		return p.emit(provider.Chunk{Kind: model.ChunkToolCall, Text: tb.name, ToolCall: &call})
	case sdk.MessageDeltaEvent:
		p.stopWhy = string(ev.Delta.StopReason)
		p.usage.CompletionTokens = ev.Usage.OutputTokens
		if ev.Usage.InputTokens > 0 {
			p.usage.PromptTokens = ev.Usage.InputTokens
		}
	}
	return nil
}

func (p *processor) response() *provider.Response {
	return &provider.Response{
		Content:    p.text.String(),
		ToolCalls:  p.calls,
		Usage:      p.usage,
		StopReason: p.stopWhy,
	}
}
