// Package trace records the lifecycle of workflow traces and their step log.
package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered steps to prevent OOM.
// When this limit is reached, Append applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// ErrBufferFull is returned by Append when the buffer is at capacity.
var ErrBufferFull = errors.New("trace: step buffer at capacity")

// StepWriter persists batches of steps.
type StepWriter interface {
	InsertSteps(ctx context.Context, steps []model.WorkflowStep) (int64, error)
}

// Buffer accumulates high-volume steps in memory and writes them in batches
// (COPY on Postgres) when either the batch size or the flush interval is reached.
type Buffer struct {
	db            StepWriter
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu    sync.Mutex
	steps []model.WorkflowStep

	started      atomic.Bool
	droppedSteps atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// NewBuffer creates a new step buffer.
func NewBuffer(db StepWriter, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Buffer{
		db:            db,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges. Call
// Drain to stop. A second Start is ignored.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("trace: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append queues steps for the next flush. It returns ErrBufferFull when the
// buffer is at capacity.
func (b *Buffer) Append(steps ...model.WorkflowStep) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.steps)+len(steps) > maxBufferCapacity {
		return fmt.Errorf("%w (%d steps)", ErrBufferFull, len(b.steps))
	}
	b.steps = append(b.steps, steps...)

	if len(b.steps) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// ctx is already done; the final flush needs a live context.
			if b.drainCtx != nil {
				b.flush(b.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				b.flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// Flush writes all buffered steps now.
func (b *Buffer) Flush(ctx context.Context) {
	b.flush(ctx)
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.steps) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.steps
	b.steps = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.db.InsertSteps(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// A conflicting batch will never succeed; requeueing would wedge the loop.
			b.droppedSteps.Add(int64(len(batch)))
			b.logger.Error("trace: dropping conflicting step batch", "error", err, "batch_size", len(batch))
			return
		}
		b.logger.Error("trace: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.steps)+len(batch) <= maxBufferCapacity {
			b.steps = append(batch, b.steps...)
		} else {
			b.droppedSteps.Add(int64(len(batch)))
			b.logger.Error("trace: dropping steps, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return
	}

	b.logger.Debug("trace: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final write.
func (b *Buffer) Drain(ctx context.Context) {
	b.drainCtx = ctx
	if b.cancelLoop == nil {
		b.flush(ctx)
		return
	}
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("trace: drain timed out waiting for flush loop")
	}
}

func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("kiseki/step_buffer")

	_, _ = meter.Int64ObservableGauge("kiseki.step_buffer.depth",
		metric.WithDescription("Current number of steps waiting in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kiseki.step_buffer.dropped_total",
		metric.WithDescription("Total steps dropped after unrecoverable flush failures"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedSteps())
			return nil
		}),
	)
}

// Len returns the current number of buffered steps.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.steps)
}

// Capacity is the backpressure limit of the buffer.
func (b *Buffer) Capacity() int { return maxBufferCapacity }

// DroppedSteps returns the total number of steps lost to flush failures.
// A non-zero value indicates data loss.
func (b *Buffer) DroppedSteps() int64 {
	return b.droppedSteps.Load()
}
