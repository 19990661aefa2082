package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisTimeout = 200 * time.Millisecond

// RedisLimiter is a fixed-window limiter shared by every replica pointing at
// the same Redis. Windows are aligned to multiples of the window length.
// When Redis cannot be reached requests are allowed.
type RedisLimiter struct {
	client      redis.UniversalClient
	prefix      string
	window      time.Duration
	maxRequests int
	log         *zap.Logger
}

func NewRedisLimiter(client redis.UniversalClient, maxRequests int, window time.Duration, logger *zap.Logger) *RedisLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLimiter{
		client:      client,
		prefix:      "assignd:ratelimit:",
		window:      window,
		maxRequests: maxRequests,
		log:         logger,
	}
}

func (l *RedisLimiter) Allow(key string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	bucket := l.bucketKey(key, now)
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
		return true
	}
	return incr.Val() <= int64(l.maxRequests)
}

func (l *RedisLimiter) Remaining(key string, now time.Time) int {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	count, err := l.client.Get(ctx, l.bucketKey(key, now)).Int()
	if err != nil {
		return l.maxRequests
	}
	return max(l.maxRequests-count, 0)
}

func (l *RedisLimiter) bucketKey(key string, now time.Time) string {
	start := now.Truncate(l.window).Unix()
	return l.prefix + key + ":" + strconv.FormatInt(start, 10)
}
