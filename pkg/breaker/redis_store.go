package breaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ayushsrivastava55/agent-hub-x402/pkg/protocol"
)

// redisCASScript replaces a breaker hash only if its version is unchanged.
// KEYS[1] = breaker key (e.g. "cb:x402")
// ARGV[1] = expected version
// ARGV[2] = state
// ARGV[3] = failures
// ARGV[4] = opened_at (unix milliseconds, 0 when not open)
// ARGV[5] = trials
// ARGV[6] = probed_at (unix milliseconds, 0 when no probe is outstanding)
var redisCASScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call("HGET", key, "version") or "0")
if current ~= tonumber(ARGV[1]) then
    return 0
end

redis.call("HSET", key,
    "state", ARGV[2],
    "failures", ARGV[3],
    "opened_at", ARGV[4],
    "trials", ARGV[5],
    "probed_at", ARGV[6],
    "version", current + 1)
return 1
`)

// RedisStore shares breaker state between hub instances. Each protocol is a
// hash at cb:<protocol>.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "cb:"}
}

func (s *RedisStore) key(p protocol.Protocol) string {
	return s.prefix + string(p)
}

func (s *RedisStore) Load(ctx context.Context, p protocol.Protocol) (Entry, uint64, error) {
	fields, err := s.client.HGetAll(ctx, s.key(p)).Result()
	if err != nil {
		return Entry{}, 0, fmt.Errorf("redis breaker load: %w", err)
	}
	if len(fields) == 0 {
		return closedEntry(), 0, nil
	}

	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("redis breaker load: bad version %q: %w", fields["version"], err)
	}
	e := Entry{State: State(fields["state"])}
	e.Failures, _ = strconv.Atoi(fields["failures"])
	e.Trials, _ = strconv.Atoi(fields["trials"])
	if ms, _ := strconv.ParseInt(fields["opened_at"], 10, 64); ms > 0 {
		e.OpenedAt = time.UnixMilli(ms).UTC()
	}
	if ms, _ := strconv.ParseInt(fields["probed_at"], 10, 64); ms > 0 {
		e.ProbedAt = time.UnixMilli(ms).UTC()
	}
	if e.State == "" {
		e.State = StateClosed
	}
	return e, version, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, p protocol.Protocol, version uint64, e Entry) (bool, error) {
	res, err := redisCASScript.Run(ctx, s.client, []string{s.key(p)},
		version, string(e.State), e.Failures, unixMilli(e.OpenedAt), e.Trials, unixMilli(e.ProbedAt)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis breaker cas: %w", err)
	}
	return res == 1, nil
}

// unixMilli encodes t for storage, with 0 for the zero time.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
