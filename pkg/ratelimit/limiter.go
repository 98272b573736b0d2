package ratelimit

import (
	"context"
	"fmt"
	"time"

	"proxyhub/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter 固定窗口限流，多实例共享 Redis 计数
// Redis 为 nil 或出错时退化为进程内令牌桶
type Limiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	local  *Store
}

func NewLimiter(redisClient *redis.Client, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	perSecond := rate.Limit(float64(limit) / window.Seconds())
	return &Limiter{
		redis:  redisClient,
		limit:  limit,
		window: window,
		local:  NewStore(perSecond, limit, 2*window),
	}
}

// Allow identifier 一般是 "ip:route"
func (l *Limiter) Allow(ctx context.Context, identifier string) bool {
	if l.redis == nil {
		return l.local.Allow(identifier)
	}

	windowIndex := time.Now().UnixNano() / int64(l.window)
	key := fmt.Sprintf("rate_limit:%s:%d:%d", identifier, windowIndex, l.limit)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		logger.Warn(ctx, "限流计数失败，使用本地限流", zap.String("key", key), zap.Error(err))
		return l.local.Allow(identifier)
	}
	if count == 1 {
		l.redis.Expire(ctx, key, l.window)
	}
	return count <= int64(l.limit)
}

func (l *Limiter) Limit() int {
	return l.limit
}

// StartJanitor 定期清理本地桶
func (l *Limiter) StartJanitor(ctx context.Context) {
	l.local.StartJanitor(ctx, l.window)
}
