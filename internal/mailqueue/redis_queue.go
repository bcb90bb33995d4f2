package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list inbound events are pushed to.
const DefaultKey = "mailingest:inbound"

type redisLister interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// RedisQueue implements Queue using a Redis list.
type RedisQueue struct {
	client redisLister
	key    string
}

func NewRedisQueue(client redisLister, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue adds an item using RPUSH.
func (q *RedisQueue) Enqueue(ctx context.Context, item *Item) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", q.key, err)
	}
	return nil
}

// Dequeue pops the head item using BLPOP.
func (q *RedisQueue) Dequeue(ctx context.Context, block time.Duration) (*Item, error) {
	val, err := q.client.BLPop(ctx, block, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}
	if len(val) < 2 {
		return nil, fmt.Errorf("invalid BLPOP reply from %s: %d elements", q.key, len(val))
	}

	var item Item
	if err := json.Unmarshal([]byte(val[1]), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}
	return &item, nil
}

// Len returns the number of waiting items.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
