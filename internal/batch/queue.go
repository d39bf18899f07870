package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Item is one queued mint.
type Item struct {
	TxID       uuid.UUID `json:"tx_id"`
	Amount     string    `json:"amount"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is the shared pending-mint queue. Implementations must be durable
// and shared across instances, not process-local.
type Queue interface {
	Push(ctx context.Context, chainID string, item Item) (int64, error)
	PopAll(ctx context.Context, chainID string) ([]Item, error)
	Len(ctx context.Context, chainID string) (int64, error)
	OldestEnqueuedAt(ctx context.Context, chainID string) (*time.Time, error)
}

// RedisQueue keeps one Redis list per chain, so queued mints survive
// restarts and every worker instance sees the same queue.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a Redis-backed batch queue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func queueKey(chainID string) string  { return "batch:queue:" + chainID }
func oldestKey(chainID string) string { return "batch:oldest:" + chainID }

// Push appends an item and returns the new queue length. The first push
// after a flush stamps the queue's oldest-item time.
func (q *RedisQueue) Push(ctx context.Context, chainID string, item Item) (int64, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal batch item: %w", err)
	}

	length, err := q.rdb.RPush(ctx, queueKey(chainID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to push batch item: %w", err)
	}

	if err := q.rdb.SetNX(ctx, oldestKey(chainID), item.EnqueuedAt.Format(time.RFC3339Nano), 0).Err(); err != nil {
		return length, fmt.Errorf("failed to stamp oldest item: %w", err)
	}
	return length, nil
}

// PopAll drains the queue atomically and clears the oldest-item stamp.
func (q *RedisQueue) PopAll(ctx context.Context, chainID string) ([]Item, error) {
	pipe := q.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, queueKey(chainID), 0, -1)
	pipe.Del(ctx, queueKey(chainID), oldestKey(chainID))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain batch queue: %w", err)
	}

	payloads := rangeCmd.Val()
	items := make([]Item, 0, len(payloads))
	for _, payload := range payloads {
		var item Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch item: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Len returns the queue length.
func (q *RedisQueue) Len(ctx context.Context, chainID string) (int64, error) {
	length, err := q.rdb.LLen(ctx, queueKey(chainID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return length, nil
}

// OldestEnqueuedAt returns when the oldest queued item was enqueued, or nil
// for an empty queue.
func (q *RedisQueue) OldestEnqueuedAt(ctx context.Context, chainID string) (*time.Time, error) {
	value, err := q.rdb.Get(ctx, oldestKey(chainID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest item stamp: %w", err)
	}

	stamp, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oldest item stamp: %w", err)
	}
	return &stamp, nil
}
