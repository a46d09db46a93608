package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result is one rate-limit decision. Remaining and ResetAt are surfaced to
// callers as observability metadata even when the request is allowed.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a fixed-window counter keyed by client identity and route
// class. The durable backend is a shared Redis counter; when Redis is
// unavailable the limiter degrades transparently to a local in-process
// counter instead of failing open or closed unpredictably.
type Limiter struct {
	rdb    *redis.Client
	local  *localCounter
	logger *zap.Logger
}

func New(rdb *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{
		rdb:    rdb,
		local:  newLocalCounter(),
		logger: logger,
	}
}

// Allow consumes one unit of the key's budget for the current window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) Result {
	if l.rdb != nil {
		res, err := l.allowRedis(ctx, key, limit, window)
		if err == nil {
			return res
		}
		// Redis 挂了，退回本地计数器
		l.logger.Warn("Rate limiter falling back to local counter", zap.Error(err))
	}
	return l.local.allow(key, limit, window)
}

func (l *Limiter) allowRedis(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	redisKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		// 第一次计数时设置窗口过期
		if err := l.rdb.Expire(ctx, redisKey, window).Err(); err != nil {
			return Result{}, err
		}
	}

	ttl, err := l.rdb.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	return buildResult(int(count), limit, time.Now().Add(ttl)), nil
}

func buildResult(count, limit int, resetAt time.Time) Result {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = time.Until(resetAt)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
	}
	return res
}

// localCounter is the in-process fallback backend.
type localCounter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	startAt time.Time
}

func newLocalCounter() *localCounter {
	return &localCounter{windows: make(map[string]*window)}
}

func (c *localCounter) allow(key string, limit int, windowSize time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	w, ok := c.windows[key]
	if !ok || now.Sub(w.startAt) >= windowSize {
		w = &window{startAt: now}
		c.windows[key] = w
	}
	w.count++

	return buildResult(w.count, limit, w.startAt.Add(windowSize))
}
