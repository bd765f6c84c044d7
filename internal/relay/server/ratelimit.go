package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter gates one bearer token's request rate. Allow reports whether
// the caller may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, token string) (bool, error)
}

// NoopRateLimiter allows every request. It is the dead drop's default when
// no Redis endpoint is configured — rate limiting is an optional hardening
// layer, not a requirement for a single home node.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Allow(ctx context.Context, token string) (bool, error) { return true, nil }

// RedisRateLimiter enforces a fixed-window request cap per bearer token,
// backed by Redis INCR/EXPIRE so multiple relay server replicas share one
// counter.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisRateLimiter builds a limiter allowing up to limit requests per
// token within window.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, token string) (bool, error) {
	key := fmt.Sprintf("crystal:ratelimit:%s", token)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, r.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	return count <= int64(r.limit), nil
}
