package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript counts one request in the current fixed window.
// KEYS[1] = window key
// ARGV[1] = window length in milliseconds
// Returns {count, remaining window ms}.
var redisWindowScript = redis.NewScript(`
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

// RedisStore is a fixed-window counter shared by every hub instance.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "rl:"}
}

func (s *RedisStore) Allow(ctx context.Context, key string, p Policy) (Result, error) {
	res, err := redisWindowScript.Run(ctx, s.client, []string{s.prefix + key}, p.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	count, ttl := res[0], res[1]
	if count <= int64(p.Max) {
		return Result{Allowed: true}, nil
	}
	return Result{RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
}
