package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the counter for the current window and sets its
// expiry on first use. Returns the count after the increment.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter implements Limiter with a fixed-window counter in Redis, so
// every instance behind a load balancer shares one budget per key.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per key in each window.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "kiseki:rl"
	}
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: int64(limit), window: window, now: time.Now}
}

// Allow counts the request against the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := l.now().UnixMilli() / l.window.Milliseconds()
	rkey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	n, err := windowScript.Run(ctx, l.client, []string{rkey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis: %w", err)
	}
	return n <= l.limit, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
