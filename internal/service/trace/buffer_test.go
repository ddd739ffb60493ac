package trace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/testutil"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]model.WorkflowStep
	err     error
}

func (w *fakeWriter) InsertSteps(_ context.Context, steps []model.WorkflowStep) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.batches = append(w.batches, steps)
	return int64(len(steps)), nil
}

func (w *fakeWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func step(n int) model.WorkflowStep {
	return model.WorkflowStep{ID: "s", TraceID: "trace_1", StepNumber: n, StepType: model.StepTypeTextDelta}
}

func TestBufferDoubleStartIsNoop(t *testing.T) {
	buf := NewBuffer(&fakeWriter{}, testutil.TestLogger(), 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf.Start(ctx)
	buf.Start(ctx)
	assert.True(t, buf.started.Load())

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	buf.Drain(drainCtx)
}

func TestBufferFlushesWhenFull(t *testing.T) {
	w := &fakeWriter{}
	buf := NewBuffer(w, testutil.TestLogger(), 3, time.Hour)
	buf.Start(context.Background())
	defer buf.Drain(context.Background())

	require.NoError(t, buf.Append(step(1), step(2), step(3)))
	assert.Eventually(t, func() bool { return w.total() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestBufferDrainWritesRemainder(t *testing.T) {
	w := &fakeWriter{}
	buf := NewBuffer(w, testutil.TestLogger(), 100, time.Hour)
	buf.Start(context.Background())

	require.NoError(t, buf.Append(step(1)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf.Drain(ctx)

	assert.Equal(t, 1, w.total())
	assert.Equal(t, 0, buf.Len())
}

func TestBufferRequeuesAfterTransientFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("connection refused")}
	buf := NewBuffer(w, testutil.TestLogger(), 100, time.Hour)

	require.NoError(t, buf.Append(step(1), step(2)))
	buf.Flush(context.Background())
	assert.Equal(t, 2, buf.Len())
	assert.Zero(t, buf.DroppedSteps())

	w.err = nil
	buf.Flush(context.Background())
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 2, w.total())
}

func TestBufferDropsConflictingBatch(t *testing.T) {
	w := &fakeWriter{err: storage.ErrConflict}
	buf := NewBuffer(w, testutil.TestLogger(), 100, time.Hour)

	require.NoError(t, buf.Append(step(1)))
	buf.Flush(context.Background())
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, int64(1), buf.DroppedSteps())
}

func TestBufferBackpressure(t *testing.T) {
	buf := NewBuffer(&fakeWriter{}, testutil.TestLogger(), maxBufferCapacity+1, time.Hour)
	big := make([]model.WorkflowStep, maxBufferCapacity)
	require.NoError(t, buf.Append(big...))
	assert.ErrorIs(t, buf.Append(step(1)), ErrBufferFull)
	assert.Equal(t, maxBufferCapacity, buf.Capacity())
}
