package streaming

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/storage/sqlite"
	"github.com/ashita-ai/kiseki/internal/testutil"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, channel, payload string) error {
	if channel != storage.ChannelStreams {
		return nil
	}
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return err
	}
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
	return nil
}

func newStore(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "streams.db"), testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStreamThrottlesWrites(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	n := &recordingNotifier{}
	pub := NewPublisher(db, n, time.Hour, testutil.TestLogger())

	s, err := pub.Open(ctx, StreamInfo{StreamID: "msg_1", TaskID: "task-1", TraceID: "trace_1", RunID: "trace_1"})
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, model.ChunkText, "Hel"))
	require.NoError(t, s.Append(ctx, model.ChunkText, "lo, "))
	require.NoError(t, s.Append(ctx, model.ChunkText, "world"))

	chunks, err := pub.ChunksAfter(ctx, "msg_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1, "only the first delta is written inside the interval")
	assert.Equal(t, "Hel", chunks[0].Content)

	require.NoError(t, s.Close(ctx, model.StreamStatusCompleted))

	chunks, err = pub.ChunksAfter(ctx, "msg_1", 1, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "lo, world", chunks[0].Content)

	m, err := db.GetStreamingMetrics(ctx, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), m.TotalChars)
	assert.Equal(t, int64(3), m.TotalDeltas)
	assert.Equal(t, int64(2), m.DBWriteCount)
	assert.Equal(t, int64(time.Hour/time.Millisecond), m.ThrottleIntervalMs)
	assert.Equal(t, model.StreamStatusCompleted, m.Status)
	assert.NotNil(t, m.EndedAt)

	require.NotEmpty(t, n.events)
	last := n.events[len(n.events)-1]
	assert.Equal(t, "trace_1", last.RunID)
	assert.Equal(t, int64(2), last.Seq)
	assert.Equal(t, int64(12), last.TotalChars)
}

func TestStreamFlushesOnKindChange(t *testing.T) {
	ctx := context.Background()
	pub := NewPublisher(newStore(t), nil, time.Hour, testutil.TestLogger())
	s, err := pub.Open(ctx, StreamInfo{StreamID: "msg_2", TaskID: "task-1"})
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, model.ChunkReasoning, "thinking"))
	require.NoError(t, s.Append(ctx, model.ChunkReasoning, " more"))
	require.NoError(t, s.Append(ctx, model.ChunkText, "answer"))
	require.NoError(t, s.Close(ctx, model.StreamStatusCompleted))

	chunks, err := pub.ChunksAfter(ctx, "msg_2", 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, model.ChunkReasoning, chunks[1].Kind)
	assert.Equal(t, " more", chunks[1].Content)
	assert.Equal(t, model.ChunkText, chunks[2].Kind)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	pub := NewPublisher(db, nil, 0, testutil.TestLogger())
	s, err := pub.Open(ctx, StreamInfo{StreamID: "msg_3", TaskID: "task-1"})
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx, model.StreamStatusAborted))
	require.NoError(t, s.Close(ctx, model.StreamStatusCompleted))

	m, err := db.GetStreamingMetrics(ctx, "msg_3")
	require.NoError(t, err)
	assert.Equal(t, model.StreamStatusAborted, m.Status)
	assert.Error(t, s.Append(ctx, model.ChunkText, "late"))
}

func TestReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	db := newStore(t)
	pub := NewPublisher(db, nil, time.Hour, testutil.TestLogger())

	s, err := pub.Open(ctx, StreamInfo{StreamID: "msg_4", TaskID: "task-1"})
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, model.ChunkText, "before crash"))

	s2, err := pub.Open(ctx, StreamInfo{StreamID: "msg_4", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), s2.Metrics().TotalChars)
	require.NoError(t, s2.Append(ctx, model.ChunkText, " after"))
	require.NoError(t, s2.Close(ctx, model.StreamStatusCompleted))

	chunks, err := pub.ChunksAfter(ctx, "msg_4", 0, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(2), chunks[1].Seq)
}
