package reconnect

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter gates reconnect key_exchange attempts per source address
// using a Redis sorted-set sliding window: each attempt is ZADDed with the
// current timestamp as score, expired entries are trimmed with
// ZREMRANGEBYSCORE, and the remaining ZCARD is compared against the limit.
// Argon2 verification dominates handler latency (~80ms on reference
// hardware), which is what makes per-source limiting worthwhile here: a
// brute-force client gains little from raw request volume.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRedisRateLimiter(client *redis.Client, limit int64, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window}
}

func (r *RedisRateLimiter) Allow(sourceAddr string) (bool, error) {
	ctx := context.Background()
	key := fmt.Sprintf("reconnect:ratelimit:%s", sourceAddr)
	now := time.Now()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-r.window).UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("reconnect: rate limit pipeline: %w", err)
	}

	return count.Val() <= r.limit, nil
}
