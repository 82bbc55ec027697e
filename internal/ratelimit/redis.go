package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared by every server instance.
// Redis failures fail open.
type RedisLimiter struct {
	client  *redis.Client
	log     *slog.Logger
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
}

var _ Policy = (*RedisLimiter)(nil)

func NewRedisLimiter(ctx context.Context, addr, password string, db, limit int, window time.Duration, log *slog.Logger) (*RedisLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	if window <= 0 {
		window = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	return &RedisLimiter{
		client:  client,
		log:     log,
		prefix:  "codehive:ratelimit:",
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}, nil
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if rl.limit <= 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	redisKey := rl.prefix + key
	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		rl.log.Error("redis rate limiter error", "op", "incr", "error", err)
		return true
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, rl.window).Err(); err != nil {
			rl.log.Error("redis rate limiter error", "op", "expire", "error", err)
		}
	}

	return count <= int64(rl.limit)
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}
