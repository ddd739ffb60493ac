// Package ratelimit provides a pluggable rate limiting interface.
//
// MemoryLimiter is a per-key token bucket for a single instance. RedisLimiter
// shares a fixed-window counter across instances. The Limiter interface is
// the contract the HTTP middleware depends on.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "ip:203.0.113.7").
	// Returning an error signals a limiter malfunction; callers
	// treat errors as fail-open (permit the request).
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
