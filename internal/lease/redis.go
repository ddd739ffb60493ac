package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// Redis is a Locker shared by every instance pointed at the same Redis.
// Ownership checks run in Lua so a refresh or release never touches a lease
// that expired and was taken by someone else.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis locker. Keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "kiseki:lease"
	}
	return &Redis{client: client, prefix: prefix}
}

// Name implements Locker.
func (r *Redis) Name() string { return "redis" }

func (r *Redis) key(k string) string { return r.prefix + ":" + k }

// Acquire implements Locker. Re-acquiring a lease the owner already holds
// extends it.
func (r *Redis) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	if ok {
		return true, nil
	}
	return r.Refresh(ctx, key, owner, ttl)
}

// Refresh implements Locker.
func (r *Redis) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(key)}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: refresh %s: %w", key, err)
	}
	return n == 1, nil
}

// Release implements Locker.
func (r *Redis) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, owner).Err(); err != nil {
		return fmt.Errorf("lease: release %s: %w", key, err)
	}
	return nil
}

// Holder implements Locker.
func (r *Redis) Holder(ctx context.Context, key string) (string, error) {
	owner, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease: holder %s: %w", key, err)
	}
	return owner, nil
}
