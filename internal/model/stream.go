package model

import "time"

// StreamStatus is the state of a streamed message.
type StreamStatus string

const (
	StreamStatusStreaming StreamStatus = "streaming"
	StreamStatusCompleted StreamStatus = "completed"
	StreamStatusFailed    StreamStatus = "failed"
	StreamStatusAborted   StreamStatus = "aborted"
)

// ChunkKind distinguishes the content carried by a stream chunk.
type ChunkKind string

const (
	ChunkText      ChunkKind = "text"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkToolCall  ChunkKind = "tool_call"
)

// StreamingMetrics tracks the persisted output of one streamed message.
// Counters never decrease.
type StreamingMetrics struct {
	StreamID           string       `json:"stream_id"`
	TaskID             string       `json:"task_id"`
	TraceID            string       `json:"trace_id,omitempty"`
	TotalChars         int64        `json:"total_chars"`
	TotalDeltas        int64        `json:"total_deltas"`
	DBWriteCount       int64        `json:"db_write_count"`
	ThrottleIntervalMs int64        `json:"throttle_interval_ms"`
	Status             StreamStatus `json:"status"`
	StartedAt          time.Time    `json:"started_at"`
	EndedAt            *time.Time   `json:"ended_at,omitempty"`
}

// StreamChunk is one persisted, append-only piece of a stream body.
type StreamChunk struct {
	StreamID  string    `json:"stream_id"`
	Seq       int64     `json:"seq"`
	Kind      ChunkKind `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
