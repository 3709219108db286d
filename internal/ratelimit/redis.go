package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a shared fixed-window counter backed by Redis. Counting
// uses INCR on a window-bucketed key plus EXPIRE, which is atomic enough for
// correctness under multiple API-serving processes: every instance increments
// the same bucket.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	period time.Duration

	now func() time.Time
}

// NewRedisLimiter creates a limiter on an existing Redis client.
func NewRedisLimiter(client *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	bucket := now.UnixNano() / int64(r.period)
	redisKey := fmt.Sprintf("medic:ratelimit:%s:%d", key, bucket)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// Two periods so a bucket read near its boundary still resolves
	pipe.Expire(ctx, redisKey, 2*r.period)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit check failed: %w", err)
	}

	count := int(incr.Val())
	if count > r.limit {
		windowEnd := time.Unix(0, (bucket+1)*int64(r.period))
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowEnd.Sub(now),
		}, nil
	}

	return Decision{Allowed: true, Remaining: r.limit - count}, nil
}

// Backend implements Limiter.
func (r *RedisLimiter) Backend() string {
	return "redis"
}

// Ping probes the Redis backend, used by auto-selection at startup.
func (r *RedisLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
