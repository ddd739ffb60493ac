package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiseki/internal/model"
)

const metricsColumns = `stream_id, task_id, trace_id, total_chars, total_deltas, db_write_count,
	throttle_interval_ms, status, started_at, ended_at`

// UpsertStreamingMetrics inserts or refreshes a stream's metrics row.
// Counters only move forward: a stale write never lowers them.
func (db *DB) UpsertStreamingMetrics(ctx context.Context, m model.StreamingMetrics) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO streaming_metrics (`+metricsColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (stream_id) DO UPDATE SET
			total_chars = GREATEST(streaming_metrics.total_chars, EXCLUDED.total_chars),
			total_deltas = GREATEST(streaming_metrics.total_deltas, EXCLUDED.total_deltas),
			db_write_count = GREATEST(streaming_metrics.db_write_count, EXCLUDED.db_write_count),
			throttle_interval_ms = EXCLUDED.throttle_interval_ms,
			status = EXCLUDED.status,
			ended_at = COALESCE(EXCLUDED.ended_at, streaming_metrics.ended_at)`,
		m.StreamID, m.TaskID, m.TraceID, m.TotalChars, m.TotalDeltas, m.DBWriteCount,
		m.ThrottleIntervalMs, string(m.Status), m.StartedAt, m.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert streaming metrics: %w", err)
	}
	return nil
}

// GetStreamingMetrics retrieves a stream's metrics.
func (db *DB) GetStreamingMetrics(ctx context.Context, streamID string) (model.StreamingMetrics, error) {
	m, err := scanMetrics(db.pool.QueryRow(ctx,
		`SELECT `+metricsColumns+` FROM streaming_metrics WHERE stream_id = $1`, streamID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StreamingMetrics{}, fmt.Errorf("storage: stream %s: %w", streamID, ErrNotFound)
		}
		return model.StreamingMetrics{}, fmt.Errorf("storage: get streaming metrics: %w", err)
	}
	return m, nil
}

// ListStreamingMetricsByTask returns the metrics of every stream of a task.
func (db *DB) ListStreamingMetricsByTask(ctx context.Context, taskID string) ([]model.StreamingMetrics, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+metricsColumns+` FROM streaming_metrics WHERE task_id = $1 ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list streaming metrics: %w", err)
	}
	defer rows.Close()

	var out []model.StreamingMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan streaming metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendStreamChunk appends one chunk to a stream body.
func (db *DB) AppendStreamChunk(ctx context.Context, c model.StreamChunk) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO stream_chunks (stream_id, seq, kind, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.StreamID, c.Seq, string(c.Kind), c.Content, c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: chunk %s/%d: %w", c.StreamID, c.Seq, ErrConflict)
		}
		return fmt.Errorf("storage: append stream chunk: %w", err)
	}
	return nil
}

// ListStreamChunks returns chunks with seq greater than afterSeq, in order.
func (db *DB) ListStreamChunks(ctx context.Context, streamID string, afterSeq int64, limit int) ([]model.StreamChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT stream_id, seq, kind, content, created_at FROM stream_chunks
		 WHERE stream_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`, streamID, afterSeq, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list stream chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.StreamChunk
	for rows.Next() {
		var c model.StreamChunk
		if err := rows.Scan(&c.StreamID, &c.Seq, &c.Kind, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan stream chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanMetrics(row pgx.Row) (model.StreamingMetrics, error) {
	var m model.StreamingMetrics
	err := row.Scan(
		&m.StreamID, &m.TaskID, &m.TraceID, &m.TotalChars, &m.TotalDeltas, &m.DBWriteCount,
		&m.ThrottleIntervalMs, &m.Status, &m.StartedAt, &m.EndedAt,
	)
	return m, err
}
