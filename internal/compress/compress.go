// Package compress shrinks long conversations before they are sent to a
// model. Older messages collapse into one system summary; the most recent
// messages are kept verbatim.
package compress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/kiseki/internal/model"
)

// Defaults.
const (
	DefaultThreshold  = 50_000
	DefaultKeepRecent = 4
	DefaultMaxTokens  = 128_000

	// FirstCompressibleStep is the first model step at which PrepareStep may compress.
	FirstCompressibleStep = 4

	maxKeyFacts       = 5
	userFactMinChars  = 20
	toolFactMinChars  = 100
	userFactMaxChars  = 200
	excerptMaxChars   = 500
	summaryPromptHead = "Summarize the following conversation history concisely. \n" +
		"Preserve key facts, decisions, tool results, and context needed for continuing the conversation.\n" +
		"Keep it under 500 words.\n\nCONVERSATION:\n"
)

// Options controls when and how much to compress.
type Options struct {
	Threshold  int // total characters at which compression kicks in
	KeepRecent int // messages kept verbatim at the end

	// PinSystem keeps a leading system message (the run's system prompt)
	// ahead of the summary instead of folding it in.
	PinSystem bool
}

func (o Options) withDefaults() Options {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.KeepRecent <= 0 {
		o.KeepRecent = DefaultKeepRecent
	}
	return o
}

// Summarizer produces a free-text summary for a prompt.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// TotalChars counts the characters of message content and tool call arguments.
func TotalChars(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
		for _, tc := range m.ToolCalls {
			n += utf8.RuneCount(tc.Arguments)
		}
	}
	return n
}

// NeedsCompression reports whether msgs have reached the threshold.
func NeedsCompression(msgs []model.Message, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return TotalChars(msgs) >= threshold
}

// EstimateTokens approximates tokens as ceil(chars / 4).
func EstimateTokens(chars int) int {
	return (chars + 3) / 4
}

// ApproachingLimit reports whether msgs are estimated to use at least 80% of maxTokens.
func ApproachingLimit(msgs []model.Message, maxTokens int) bool {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return EstimateTokens(TotalChars(msgs))*5 >= maxTokens*4
}

// split divides msgs into a compressible head and a verbatim tail. The tail
// never starts with tool results whose requesting assistant message would be
// summarized away. ok is false when nothing would be compressed.
func split(msgs []model.Message, opts Options) (pinned, head, tail []model.Message, ok bool) {
	start := 0
	if opts.PinSystem && len(msgs) > 0 && msgs[0].Role == model.RoleSystem {
		start = 1
	}
	idx := len(msgs) - opts.KeepRecent
	if idx < start {
		idx = start
	}
	for idx > start && msgs[idx].Role == model.RoleTool {
		idx--
	}
	if idx <= start {
		return nil, nil, msgs, false
	}
	return msgs[:start], msgs[start:idx], msgs[idx:], true
}

// Simple replaces older messages with a deterministic summary. Input below
// the threshold, or with nothing ahead of the tail, is returned unchanged.
func Simple(msgs []model.Message, opts Options) []model.Message {
	opts = opts.withDefaults()
	if TotalChars(msgs) < opts.Threshold {
		return msgs
	}
	pinned, head, tail, ok := split(msgs, opts)
	if !ok {
		return msgs
	}
	return assemble(pinned, simpleSummary(head), tail)
}

func simpleSummary(head []model.Message) model.Message {
	chars := TotalChars(head)
	toolCalls := 0
	var facts []string
	for _, m := range head {
		if m.Role == model.RoleTool || m.Name != "" {
			toolCalls++
		}
		if len(facts) >= maxKeyFacts {
			continue
		}
		n := utf8.RuneCountInString(m.Content)
		switch {
		case m.Role == model.RoleUser && n > userFactMinChars:
			first, _, _ := strings.Cut(m.Content, "\n")
			facts = append(facts, "- User: "+truncateRunes(first, userFactMaxChars))
		case m.Role == model.RoleTool && n > toolFactMinChars:
			facts = append(facts, fmt.Sprintf("- Tool result received (%d chars)", n))
		}
	}

	content := fmt.Sprintf(
		"[Conversation summary: %d earlier messages (%d chars) compressed. %d tool calls. Key points:\n%s\n...]",
		len(head), chars, toolCalls, strings.Join(facts, "\n"),
	)
	return model.Message{Role: model.RoleSystem, Content: content}
}

func assemble(pinned []model.Message, summary model.Message, tail []model.Message) []model.Message {
	out := make([]model.Message, 0, len(pinned)+1+len(tail))
	out = append(out, pinned...)
	out = append(out, summary)
	return append(out, tail...)
}

// Compressor compresses with a model-written summary when a Summarizer is
// configured and falls back to Simple otherwise.
type Compressor struct {
	opts       Options
	summarizer Summarizer
	logger     *slog.Logger
}

// New creates a Compressor. summarizer may be nil.
func New(opts Options, summarizer Summarizer, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{opts: opts.withDefaults(), summarizer: summarizer, logger: logger}
}

// Compress returns msgs compressed if they reached the threshold. Summarizer
// failures fall back to the simple summary and are never returned.
func (c *Compressor) Compress(ctx context.Context, msgs []model.Message) []model.Message {
	if TotalChars(msgs) < c.opts.Threshold {
		return msgs
	}
	if c.summarizer == nil {
		return Simple(msgs, c.opts)
	}
	pinned, head, tail, ok := split(msgs, c.opts)
	if !ok {
		return msgs
	}

	summary, err := c.summarizer.Summarize(ctx, summaryPrompt(head))
	if err != nil || strings.TrimSpace(summary) == "" {
		c.logger.Warn("compress: summarizer failed, using simple summary",
			"error", err, "messages", len(head))
		return assemble(pinned, simpleSummary(head), tail)
	}

	c.logger.Info("compress: conversation summarized",
		"compressed_messages", len(head), "kept_messages", len(tail))
	return assemble(pinned, model.Message{
		Role:    model.RoleSystem,
		Content: "[Previous conversation summary]: " + strings.TrimSpace(summary),
	}, tail)
}

// PrepareStep runs before each model step. The first three steps are left
// alone; later steps compress whenever the threshold is reached.
func (c *Compressor) PrepareStep(ctx context.Context, step int, msgs []model.Message) []model.Message {
	if step < FirstCompressibleStep {
		return msgs
	}
	return c.Compress(ctx, msgs)
}

func summaryPrompt(head []model.Message) string {
	parts := make([]string, 0, len(head))
	for _, m := range head {
		label := string(m.Role)
		if m.Name != "" {
			label += ":" + m.Name
		}
		parts = append(parts, fmt.Sprintf("[%s]: %s...", label, truncateRunes(m.Content, excerptMaxChars)))
	}
	return summaryPromptHead + strings.Join(parts, "\n\n") + "\n\nSUMMARY:"
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
