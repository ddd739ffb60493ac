// Package storage provides the PostgreSQL storage layer for kiseki.
//
// It manages connection pooling (via pgxpool, optionally through PgBouncer),
// a dedicated connection for LISTEN/NOTIFY (direct to Postgres),
// COPY-based batch ingestion for workflow steps, and query methods for all tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiseki/internal/telemetry"
)

// applicationName tags kiseki's sessions in pg_stat_activity.
const applicationName = "kiseki"

// DB wraps a pgxpool.Pool for normal queries
// and a dedicated pgx.Conn for LISTEN/NOTIFY (direct to Postgres).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool.
// poolDSN may point to PgBouncer (or directly to Postgres in dev).
// notifyDSN should point directly to Postgres for LISTEN/NOTIFY support.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	if _, ok := poolCfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyCfg, err := pgx.ParseConfig(notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: parse notify DSN: %w", err)
		}
		notifyCfg.RuntimeParams["application_name"] = applicationName + "-notify"
		notifyConn, err = pgx.ConnectConfig(ctx, notifyCfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// NotifyConn returns the dedicated LISTEN/NOTIFY connection, or nil if not configured.
func (db *DB) NotifyConn() *pgx.Conn {
	return db.notifyConn
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics exports connection pool gauges through the global OTEL
// meter. Call after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kiseki/storage")

	gauge := func(name, desc string, read func(*pgxpool.Stat) int64) {
		_, _ = meter.Int64ObservableGauge(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read(db.pool.Stat()))
				return nil
			}),
		)
	}
	gauge("kiseki.db.pool.acquired", "Connections currently checked out of the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) })
	gauge("kiseki.db.pool.idle", "Idle connections in the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) })
	gauge("kiseki.db.pool.total", "Open connections in the pool",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) })
	gauge("kiseki.db.pool.max", "Configured maximum pool size",
		func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) })
}

// Backend names the storage engine.
func (db *DB) Backend() string { return "postgres" }

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}
