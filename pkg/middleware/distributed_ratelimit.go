package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// hitScript increments the window counter, arms its expiry on the first hit
// and returns the count together with the remaining TTL in milliseconds.
var hitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore is a WindowStore shared by every instance pointing at the same Redis
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed window store
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

// Hit implements WindowStore
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	redisKey := fmt.Sprintf("%s:%s", s.prefix, key)

	res, err := hitScript.Run(ctx, s.redis, []string{redisKey}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis error: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script reply: %v", res)
	}
	count, ok1 := res[0].(int64)
	ttl, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script reply: %v", res)
	}

	return int(count), now.Add(time.Duration(ttl) * time.Millisecond), nil
}

// Reset clears the window for a key
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.redis.Del(ctx, fmt.Sprintf("%s:%s", s.prefix, key)).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
