package lock

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	compareAndExtendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisStore implements Store on a single Redis instance.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// TrySet issues SET key token NX PX ttl.
func (s *RedisStore) TrySet(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("redis lock store: ttl must be positive")
	}
	ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock store: set nx: %w", err)
	}
	return ok, nil
}

// CompareAndDelete deletes key when its value equals token.
func (s *RedisStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock store: compare and delete: %w", err)
	}
	return n == 1, nil
}

// CompareAndExtend resets the key expiry when its value equals token.
func (s *RedisStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("redis lock store: ttl must be positive")
	}
	n, err := compareAndExtendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis lock store: compare and extend: %w", err)
	}
	return n == 1, nil
}
