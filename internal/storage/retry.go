package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kiseki/internal/retry"
)

// isRetriable reports whether a transaction lost a race it may win on a
// second attempt.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}

// WithRetry runs fn, retrying up to maxRetries times while it fails with a
// serialization failure or deadlock. Other errors return at once. When the
// retries run out the last Postgres error is returned as is.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	err := retry.Execute(ctx, func(context.Context) error { return fn() }, retry.Options{
		MaxAttempts:    maxRetries + 1,
		InitialBackoff: baseDelay,
		MaxBackoff:     baseDelay << maxRetries,
		Classify:       isRetriable,
	})
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.LastError
	}
	return err
}
