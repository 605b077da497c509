package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a sliding-window limiter backed by a Redis sorted set per
// bucket, so replicas share one budget.
type RedisLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisLimiter creates a limiter over an existing client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		now:    time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (l *RedisLimiter) WithNow(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// Allow trims entries older than the window, counts what remains and adds
// the request if it fits. Scores are unix nanoseconds.
func (l *RedisLimiter) Allow(ctx context.Context, bucket string, limit int) (bool, error) {
	key := "ratelimit:" + bucket
	now := l.now()
	cutoff := now.Add(-Window).UnixNano()

	if err := l.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return false, fmt.Errorf("trim window: %w", err)
	}

	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("count window: %w", err)
	}
	if count >= int64(limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := l.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, fmt.Errorf("record request: %w", err)
	}
	if err := l.client.Expire(ctx, key, Window).Err(); err != nil {
		return false, fmt.Errorf("set ttl: %w", err)
	}
	return true, nil
}
