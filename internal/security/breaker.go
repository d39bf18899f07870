package security

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const breakerKey = "security:breaker"

// BreakerState is the process-wide circuit breaker state.
type BreakerState struct {
	Open   bool
	Reason string
}

// RedisBreaker stores the circuit breaker state in Redis so every instance
// observes an open or close on its next read. The state is read per call on
// the hot path; it is never cached in process memory.
type RedisBreaker struct {
	rdb *redis.Client
}

// NewRedisBreaker creates a breaker store on the given Redis client.
func NewRedisBreaker(rdb *redis.Client) *RedisBreaker {
	return &RedisBreaker{rdb: rdb}
}

// State returns the latest committed breaker state.
func (b *RedisBreaker) State(ctx context.Context) (BreakerState, error) {
	reason, err := b.rdb.Get(ctx, breakerKey).Result()
	if err == redis.Nil {
		return BreakerState{}, nil
	}
	if err != nil {
		return BreakerState{}, fmt.Errorf("failed to read breaker state: %w", err)
	}
	return BreakerState{Open: true, Reason: reason}, nil
}

// Open opens the breaker with a reason. A reason is required so every
// rejection that follows carries it.
func (b *RedisBreaker) Open(ctx context.Context, reason string) error {
	if reason == "" {
		return fmt.Errorf("breaker open requires a reason")
	}
	if err := b.rdb.Set(ctx, breakerKey, reason, 0).Err(); err != nil {
		return fmt.Errorf("failed to open breaker: %w", err)
	}
	return nil
}

// Close closes the breaker.
func (b *RedisBreaker) Close(ctx context.Context) error {
	if err := b.rdb.Del(ctx, breakerKey).Err(); err != nil {
		return fmt.Errorf("failed to close breaker: %w", err)
	}
	return nil
}
