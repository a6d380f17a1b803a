package telegram

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/service"
	"tg_forwarder/internal/logger"

	"golang.org/x/time/rate"
)

// Recover 中间件：处理函数 panic 时返回内部错误
func Recover(next CommandFunc) CommandFunc {
	return func(ctx context.Context, req Request) (res service.Result) {
		defer func() {
			if r := recover(); r != nil {
				logger.L().Errorf("Command /%s panic recovered: %v\n%s", req.Command, r, debug.Stack())
				res = service.Failure(service.CodeInternal, "服务器内部错误，请稍后重试")
			}
		}()
		return next(ctx, req)
	}
}

// RequireOwner 中间件：仅允许 Owner 执行
func RequireOwner(ownerIDs []int64) Middleware {
	owners := make(map[int64]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		owners[id] = struct{}{}
	}
	return func(next CommandFunc) CommandFunc {
		return func(ctx context.Context, req Request) service.Result {
			if _, ok := owners[req.UserID]; !ok {
				logger.L().Warnf("Non-owner user %d attempted to use /%s", req.UserID, req.Command)
				return service.Failure(service.CodeForbidden, "此命令仅限 Bot Owner 使用")
			}
			return next(ctx, req)
		}
	}
}

// UserLimiter 按用户限流，每个周期最多 n 条命令
type UserLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewUserLimiter 每 per 时间内允许 n 条命令
func NewUserLimiter(n int, per time.Duration) *UserLimiter {
	if n < 1 {
		n = 1
	}
	return &UserLimiter{
		limit:    rate.Every(per / time.Duration(n)),
		burst:    n,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Allow 消耗一个令牌
func (l *UserLimiter) Allow(userID int64) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimit 中间件：超出频率的命令直接拒绝
func RateLimit(l *UserLimiter) Middleware {
	return func(next CommandFunc) CommandFunc {
		return func(ctx context.Context, req Request) service.Result {
			if !l.Allow(req.UserID) {
				logger.L().Warnf("Rate limited user %d on /%s", req.UserID, req.Command)
				return service.Failure(service.CodeRateLimited, "操作过于频繁，请稍后再试")
			}
			return next(ctx, req)
		}
	}
}
