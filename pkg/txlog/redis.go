package txlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisListKey = "txlog:list"

// RedisLog keeps the newest entries in a capped Redis list shared by every
// hub instance.
type RedisLog struct {
	client redis.UniversalClient
	max    int64
}

func NewRedisLog(client redis.UniversalClient, max int) *RedisLog {
	if max <= 0 {
		max = DefaultMax
	}
	return &RedisLog{client: client, max: int64(max)}
}

func (l *RedisLog) Append(ctx context.Context, tx Tx) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, redisListKey, raw)
	pipe.LTrim(ctx, redisListKey, 0, l.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (l *RedisLog) Recent(ctx context.Context, limit int) ([]Tx, error) {
	limit = ClampLimit(limit)
	items, err := l.client.LRange(ctx, redisListKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	out := make([]Tx, 0, len(items))
	for _, item := range items {
		var tx Tx
		if err := json.Unmarshal([]byte(item), &tx); err != nil {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}
