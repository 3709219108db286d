package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend selection values for New.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendAuto   = "auto"
)

// New constructs a limiter for the configured backend.
//
//	memory: process-local counter.
//	redis:  shared counter; request-time Redis failures degrade to a local
//	        counter instead of failing the request.
//	auto:   probe Redis at startup and fall back to memory on failure,
//	        logging the degradation.
func New(backend, redisURL string, limit int, period time.Duration) (Limiter, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryLimiter(limit, period), nil

	case BackendRedis:
		rl, err := newRedis(redisURL, limit, period)
		if err != nil {
			return nil, err
		}
		return withFailover(rl, limit, period), nil

	case BackendAuto:
		rl, err := newRedis(redisURL, limit, period)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if pingErr := rl.Ping(ctx); pingErr == nil {
				log.Printf("Rate limiter: using redis backend at %s", redisURL)
				return withFailover(rl, limit, period), nil
			} else {
				err = pingErr
			}
		}
		log.Printf("Rate limiter: redis unavailable (%v), degrading to in-process backend", err)
		return NewMemoryLimiter(limit, period), nil

	default:
		return nil, fmt.Errorf("unknown rate limiter backend %q", backend)
	}
}

func newRedis(redisURL string, limit int, period time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), limit, period), nil
}

// failoverLimiter degrades to a local counter when the shared backend errors
// at request time, rather than failing (or silently accepting) the request.
type failoverLimiter struct {
	primary  Limiter
	fallback Limiter
}

func withFailover(primary Limiter, limit int, period time.Duration) Limiter {
	return &failoverLimiter{
		primary:  primary,
		fallback: NewMemoryLimiter(limit, period),
	}
}

// Allow implements Limiter.
func (f *failoverLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	d, err := f.primary.Allow(ctx, key)
	if err == nil {
		return d, nil
	}
	log.Printf("Rate limiter: %s backend error (%v), using in-process fallback", f.primary.Backend(), err)
	return f.fallback.Allow(ctx, key)
}

// Backend implements Limiter.
func (f *failoverLimiter) Backend() string {
	return f.primary.Backend()
}
