package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Postgres LISTEN/NOTIFY channel names.
const (
	// ChannelStreams carries {run_id, stream_id, seq, total_chars} after each chunk write.
	ChannelStreams = "kiseki_streams"
	// ChannelSteps carries {run_id, step_number, step_type, status} after each step
	// change, and {run_id, trace_status} after approval and terminal changes.
	ChannelSteps = "kiseki_steps"
	// ChannelApprovals carries the run id once an approval decision is stored.
	ChannelApprovals = "kiseki_approvals"
	// ChannelStops carries the run id of a run that should stop.
	ChannelStops = "kiseki_stops"
)

// Channels lists every channel the broker listens on.
var Channels = []string{ChannelStreams, ChannelSteps, ChannelApprovals, ChannelStops}

// maxNotifyPayload is the largest payload pg_notify accepts.
const maxNotifyPayload = 8000

var errNoNotifyConn = errors.New("storage: notify connection not configured")

// Listen subscribes the notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return errNoNotifyConn
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until any listened channel fires.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", errNoNotifyConn
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// Notify publishes payload on channel through the query pool so it is
// delivered to every instance, including this one.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if len(payload) >= maxNotifyPayload {
		return fmt.Errorf("storage: notify %s: payload of %d bytes exceeds limit", channel, len(payload))
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
