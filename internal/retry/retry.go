// Package retry runs fallible operations with jittered exponential backoff.
//
// Errors are classified as transient or permanent before each retry: permanent
// errors (bad credentials, invalid requests, policy violations) return
// immediately, transient ones are retried until the attempt budget runs out.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Options configures a retried call. Zero fields take the defaults below.
type Options struct {
	MaxAttempts    int           // total attempts including the first, default 3
	InitialBackoff time.Duration // default 100ms
	MaxBackoff     time.Duration // default 10s
	Multiplier     float64       // default 2
	DisableJitter  bool

	// OnRetry runs before each backoff sleep. attempt is the 1-based number
	// of the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Classify overrides IsTransient.
	Classify func(err error) bool

	Logger *slog.Logger
}

// Defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultMultiplier     = 2.0
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.Classify == nil {
		o.Classify = IsTransient
	}
	return o
}

// Backoff returns the delay after the given failed attempt (1-based):
// min(initial * multiplier^(attempt-1), max), scaled by a jitter factor in
// [0.5, 1.0] unless jitter is disabled, and rounded to milliseconds.
func (o Options) Backoff(attempt int) time.Duration {
	o = o.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(o.InitialBackoff) * math.Pow(o.Multiplier, float64(attempt-1))
	if d > float64(o.MaxBackoff) || math.IsInf(d, 1) {
		d = float64(o.MaxBackoff)
	}
	if !o.DisableJitter {
		d *= 0.5 + rand.Float64()*0.5 //nolint:gosec // jitter doesn't need crypto-strength randomness
	}
	return time.Duration(d).Round(time.Millisecond)
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts  int
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: exhausted after %d attempts: %v", e.Attempts, e.LastError)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Do calls fn until it succeeds, fails permanently, the attempts run out or
// ctx is done. Permanent errors are returned unchanged.
func Do[T any](ctx context.Context, fn func(ctx context.Context) (T, error), opts Options) (T, error) {
	opts = opts.withDefaults()
	var zero T

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, err
		}
		if !opts.Classify(err) {
			if opts.Logger != nil {
				opts.Logger.Debug("retry: permanent error, not retrying",
					"attempt", attempt, "error", truncate(err.Error(), 100))
			}
			return zero, err
		}
		if attempt >= opts.MaxAttempts {
			if opts.Logger != nil {
				opts.Logger.Warn("retry: attempts exhausted",
					"attempts", attempt, "error", truncate(err.Error(), 100))
			}
			return zero, &ExhaustedError{Attempts: attempt, LastError: err}
		}

		delay := opts.Backoff(attempt)
		if opts.Logger != nil {
			opts.Logger.Warn("retry: transient error, backing off",
				"attempt", attempt, "max_attempts", opts.MaxAttempts,
				"delay_ms", delay.Milliseconds(), "error", truncate(err.Error(), 100))
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.Join(err, context.Cause(ctx))
		case <-timer.C:
		}
	}
}

// Execute is Do for functions without a result.
func Execute(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	_, err := Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts)
	return err
}

// Wrap returns fn with retries applied to every call.
func Wrap[A, T any](fn func(ctx context.Context, arg A) (T, error), opts Options) func(ctx context.Context, arg A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		return Do(ctx, func(ctx context.Context) (T, error) {
			return fn(ctx, arg)
		}, opts)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
