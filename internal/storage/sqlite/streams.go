package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/storage"
)

const metricsColumns = `stream_id, task_id, trace_id, total_chars, total_deltas, db_write_count,
	throttle_interval_ms, status, started_at, ended_at`

// UpsertStreamingMetrics inserts or refreshes a stream's metrics; counters never decrease.
func (d *DB) UpsertStreamingMetrics(ctx context.Context, m model.StreamingMetrics) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO streaming_metrics (`+metricsColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stream_id) DO UPDATE SET
			total_chars = MAX(streaming_metrics.total_chars, excluded.total_chars),
			total_deltas = MAX(streaming_metrics.total_deltas, excluded.total_deltas),
			db_write_count = MAX(streaming_metrics.db_write_count, excluded.db_write_count),
			throttle_interval_ms = excluded.throttle_interval_ms,
			status = excluded.status,
			ended_at = COALESCE(excluded.ended_at, streaming_metrics.ended_at)`,
		m.StreamID, m.TaskID, m.TraceID, m.TotalChars, m.TotalDeltas, m.DBWriteCount,
		m.ThrottleIntervalMs, string(m.Status), ts(m.StartedAt), tsPtr(m.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert streaming metrics: %w", err)
	}
	return nil
}

// GetStreamingMetrics retrieves a stream's metrics.
func (d *DB) GetStreamingMetrics(ctx context.Context, streamID string) (model.StreamingMetrics, error) {
	m, err := scanMetrics(d.db.QueryRowContext(ctx,
		`SELECT `+metricsColumns+` FROM streaming_metrics WHERE stream_id = ?`, streamID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StreamingMetrics{}, fmt.Errorf("sqlite: stream %s: %w", streamID, storage.ErrNotFound)
		}
		return model.StreamingMetrics{}, fmt.Errorf("sqlite: get streaming metrics: %w", err)
	}
	return m, nil
}

// ListStreamingMetricsByTask returns the metrics of every stream of a task.
func (d *DB) ListStreamingMetricsByTask(ctx context.Context, taskID string) ([]model.StreamingMetrics, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+metricsColumns+` FROM streaming_metrics WHERE task_id = ? ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list streaming metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.StreamingMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan streaming metrics: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendStreamChunk appends one chunk to a stream body.
func (d *DB) AppendStreamChunk(ctx context.Context, c model.StreamChunk) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO stream_chunks (stream_id, seq, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.StreamID, c.Seq, string(c.Kind), c.Content, ts(c.CreatedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("sqlite: chunk %s/%d: %w", c.StreamID, c.Seq, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: append stream chunk: %w", err)
	}
	return nil
}

// ListStreamChunks returns chunks with seq greater than afterSeq, in order.
func (d *DB) ListStreamChunks(ctx context.Context, streamID string, afterSeq int64, limit int) ([]model.StreamChunk, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT stream_id, seq, kind, content, created_at FROM stream_chunks
		 WHERE stream_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		streamID, afterSeq, storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stream chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []model.StreamChunk
	for rows.Next() {
		var (
			c       model.StreamChunk
			kind    string
			created int64
		)
		if err := rows.Scan(&c.StreamID, &c.Seq, &kind, &c.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan stream chunk: %w", err)
		}
		c.Kind = model.ChunkKind(kind)
		c.CreatedAt = fromTS(created)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanMetrics(row scanner) (model.StreamingMetrics, error) {
	var (
		m       model.StreamingMetrics
		status  string
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(
		&m.StreamID, &m.TaskID, &m.TraceID, &m.TotalChars, &m.TotalDeltas, &m.DBWriteCount,
		&m.ThrottleIntervalMs, &status, &started, &ended,
	); err != nil {
		return model.StreamingMetrics{}, err
	}
	m.Status = model.StreamStatus(status)
	m.StartedAt = fromTS(started)
	m.EndedAt = fromNullTS(ended)
	return m, nil
}
