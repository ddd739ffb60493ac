// Package streaming persists model output incrementally so observers can
// follow a run while it is still generating.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashita-ai/kiseki/internal/metrics"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

// DefaultThrottle is the minimum interval between chunk writes of one stream.
const DefaultThrottle = 100 * time.Millisecond

// Store is the persistence the publisher needs.
type Store interface {
	UpsertStreamingMetrics(ctx context.Context, m model.StreamingMetrics) error
	GetStreamingMetrics(ctx context.Context, streamID string) (model.StreamingMetrics, error)
	AppendStreamChunk(ctx context.Context, c model.StreamChunk) error
	ListStreamChunks(ctx context.Context, streamID string, afterSeq int64, limit int) ([]model.StreamChunk, error)
}

// Notifier tells live readers that new data was written.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// Event is the payload published on storage.ChannelStreams after each write.
type Event struct {
	RunID      string `json:"run_id"`
	StreamID   string `json:"stream_id"`
	Seq        int64  `json:"seq"`
	TotalChars int64  `json:"total_chars"`
}

// StreamInfo identifies the stream of one assistant message.
type StreamInfo struct {
	StreamID string
	TaskID   string
	TraceID  string
	RunID    string
}

// Publisher opens streams against a store.
type Publisher struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	throttle time.Duration
	now      func() time.Time
}

// NewPublisher creates a publisher. A zero throttle uses DefaultThrottle and
// a nil notifier disables live notifications.
func NewPublisher(store Store, notifier Notifier, throttle time.Duration, logger *slog.Logger) *Publisher {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:    store,
		notifier: notifier,
		logger:   logger,
		throttle: throttle,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open starts (or, after a restart, continues) a stream and records its
// metrics row with status streaming.
func (p *Publisher) Open(ctx context.Context, info StreamInfo) (*Stream, error) {
	if info.StreamID == "" {
		return nil, fmt.Errorf("streaming: stream id is required")
	}
	s := &Stream{
		pub:      p,
		info:     info,
		throttle: rate.Sometimes{Interval: p.throttle},
		metrics: model.StreamingMetrics{
			StreamID:           info.StreamID,
			TaskID:             info.TaskID,
			TraceID:            info.TraceID,
			ThrottleIntervalMs: p.throttle.Milliseconds(),
			StartedAt:          p.now(),
		},
	}

	prev, err := p.store.GetStreamingMetrics(ctx, info.StreamID)
	switch {
	case err == nil:
		s.metrics.TotalChars = prev.TotalChars
		s.metrics.TotalDeltas = prev.TotalDeltas
		s.metrics.DBWriteCount = prev.DBWriteCount
		s.metrics.StartedAt = prev.StartedAt
		if s.seq, err = p.lastSeq(ctx, info.StreamID); err != nil {
			return nil, err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("streaming: open %s: %w", info.StreamID, err)
	}

	s.metrics.Status = model.StreamStatusStreaming
	if err := p.store.UpsertStreamingMetrics(ctx, s.metrics); err != nil {
		return nil, fmt.Errorf("streaming: open %s: %w", info.StreamID, err)
	}
	p.logger.Debug("streaming: stream opened", "stream_id", info.StreamID, "run_id", info.RunID, "seq", s.seq)
	return s, nil
}

// ChunksAfter returns up to limit chunks with seq greater than afterSeq.
func (p *Publisher) ChunksAfter(ctx context.Context, streamID string, afterSeq int64, limit int) ([]model.StreamChunk, error) {
	chunks, err := p.store.ListStreamChunks(ctx, streamID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("streaming: read %s: %w", streamID, err)
	}
	return chunks, nil
}

func (p *Publisher) lastSeq(ctx context.Context, streamID string) (int64, error) {
	var last int64
	for {
		chunks, err := p.store.ListStreamChunks(ctx, streamID, last, 1000)
		if err != nil {
			return 0, fmt.Errorf("streaming: scan %s: %w", streamID, err)
		}
		if len(chunks) == 0 {
			return last, nil
		}
		last = chunks[len(chunks)-1].Seq
	}
}

// Stream is the write side of one message stream. It is safe for
// concurrent use, though the orchestrator writes from a single goroutine.
type Stream struct {
	pub      *Publisher
	info     StreamInfo
	throttle rate.Sometimes

	mu      sync.Mutex
	metrics model.StreamingMetrics
	seq     int64
	kind    model.ChunkKind
	buf     strings.Builder
	closed  bool
}

// Info returns the identifiers the stream was opened with.
func (s *Stream) Info() StreamInfo { return s.info }

// Metrics returns a snapshot of the stream counters.
func (s *Stream) Metrics() model.StreamingMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// Append records one delta. Buffered text is written when the throttle
// interval has passed since the last write or when the chunk kind changes.
func (s *Stream) Append(ctx context.Context, kind model.ChunkKind, text string) error {
	if text == "" {
		return nil
	}
	if kind == "" {
		kind = model.ChunkText
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("streaming: append to closed stream %s", s.info.StreamID)
	}

	if s.buf.Len() > 0 && kind != s.kind {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
	}
	s.kind = kind
	s.buf.WriteString(text)
	n := int64(len([]rune(text)))
	s.metrics.TotalChars += n
	s.metrics.TotalDeltas++
	metrics.StreamedChars.Add(float64(n))

	due := false
	s.throttle.Do(func() { due = true })
	if !due {
		return nil
	}
	return s.flushLocked(ctx)
}

// Flush writes any buffered text immediately.
func (s *Stream) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Close flushes buffered text and records the final status and end time.
// Closing an already closed stream does nothing.
func (s *Stream) Close(ctx context.Context, status model.StreamStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	flushErr := s.flushLocked(ctx)

	end := s.pub.now()
	s.metrics.Status = status
	s.metrics.EndedAt = &end
	if err := s.pub.store.UpsertStreamingMetrics(ctx, s.metrics); err != nil {
		return fmt.Errorf("streaming: close %s: %w", s.info.StreamID, err)
	}
	s.closed = true
	s.pub.logger.Info("streaming: stream closed",
		"stream_id", s.info.StreamID,
		"status", status,
		"total_chars", s.metrics.TotalChars,
		"db_writes", s.metrics.DBWriteCount,
	)
	s.notify(ctx)
	return flushErr
}

func (s *Stream) flushLocked(ctx context.Context) error {
	if s.buf.Len() == 0 {
		return nil
	}
	chunk := model.StreamChunk{
		StreamID:  s.info.StreamID,
		Seq:       s.seq + 1,
		Kind:      s.kind,
		Content:   s.buf.String(),
		CreatedAt: s.pub.now(),
	}
	if err := s.pub.store.AppendStreamChunk(ctx, chunk); err != nil {
		return fmt.Errorf("streaming: write chunk: %w", err)
	}
	s.seq = chunk.Seq
	s.buf.Reset()
	s.metrics.DBWriteCount++
	metrics.StreamWrites.Inc()

	if err := s.pub.store.UpsertStreamingMetrics(ctx, s.metrics); err != nil {
		return fmt.Errorf("streaming: update metrics: %w", err)
	}
	s.notify(ctx)
	return nil
}

func (s *Stream) notify(ctx context.Context) {
	if s.pub.notifier == nil {
		return
	}
	payload, err := json.Marshal(Event{
		RunID:      s.info.RunID,
		StreamID:   s.info.StreamID,
		Seq:        s.seq,
		TotalChars: s.metrics.TotalChars,
	})
	if err != nil {
		return
	}
	if err := s.pub.notifier.Notify(ctx, storage.ChannelStreams, string(payload)); err != nil {
		s.pub.logger.Warn("streaming: notify failed", "stream_id", s.info.StreamID, "error", err)
	}
}
