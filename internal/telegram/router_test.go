package telegram

import (
	"context"
	"testing"
	"time"

	"tg_forwarder/internal/forwarder/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		name string
		args string
		ok   bool
	}{
		{"/groups", "groups", "", true},
		{"/Group@forward_bot 65f0", "group", "65f0", true},
		{"/newgroup  每日 新闻 ", "newgroup", "每日 新闻", true},
		{"/preview\n今日新闻", "preview", "今日新闻", true},
		{"hello", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := ParseCommand(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next CommandFunc) CommandFunc {
			return func(ctx context.Context, req Request) service.Result {
				trace = append(trace, name)
				return next(ctx, req)
			}
		}
	}
	fn := Chain(func(context.Context, Request) service.Result {
		trace = append(trace, "handler")
		return service.Success("ok", nil)
	}, mark("a"), mark("b"))

	fn(context.Background(), Request{})
	assert.Equal(t, []string{"a", "b", "handler"}, trace)
}

func TestRecoverTurnsPanicIntoInternalError(t *testing.T) {
	fn := Recover(func(context.Context, Request) service.Result {
		panic("boom")
	})
	res := fn(context.Background(), Request{Command: "x"})
	assert.Equal(t, service.StatusError, res.Status)
	assert.Equal(t, service.CodeInternal, res.Code)
}

func TestRouterGuardsOwnerCommands(t *testing.T) {
	r := NewRouter(RequireOwner([]int64{1}), nil)
	ok := func(context.Context, Request) service.Result { return service.Success("done", nil) }
	r.Handle("secret", "/secret", "owner only", ok)
	r.HandlePublic("ping", "/ping", "public", ok)

	res, found := r.Dispatch(context.Background(), Request{UserID: 2, Command: "secret"})
	require.True(t, found)
	assert.Equal(t, service.CodeForbidden, res.Code)

	res, _ = r.Dispatch(context.Background(), Request{UserID: 1, Command: "secret"})
	assert.True(t, res.OK())

	res, _ = r.Dispatch(context.Background(), Request{UserID: 2, Command: "ping"})
	assert.True(t, res.OK())

	_, found = r.Dispatch(context.Background(), Request{UserID: 1, Command: "unknown"})
	assert.False(t, found)

	assert.Contains(t, r.Help(), "/secret - owner only")
}

func TestRateLimitPerUser(t *testing.T) {
	limiter := NewUserLimiter(3, time.Minute)
	r := NewRouter(nil, RateLimit(limiter))
	r.HandlePublic("ping", "/ping", "", func(context.Context, Request) service.Result {
		return service.Success("pong", nil)
	})

	for i := 0; i < 3; i++ {
		res, _ := r.Dispatch(context.Background(), Request{UserID: 7, Command: "ping"})
		require.True(t, res.OK(), "call %d", i)
	}
	res, _ := r.Dispatch(context.Background(), Request{UserID: 7, Command: "ping"})
	assert.Equal(t, service.CodeRateLimited, res.Code)

	// 其他用户不受影响
	res, _ = r.Dispatch(context.Background(), Request{UserID: 8, Command: "ping"})
	assert.True(t, res.OK())
}

func TestRateLimitDoesNotChargeRejectedNonOwners(t *testing.T) {
	limiter := NewUserLimiter(1, time.Minute)
	r := NewRouter(RequireOwner([]int64{1}), RateLimit(limiter))
	r.Handle("secret", "/secret", "", func(context.Context, Request) service.Result {
		return service.Success("done", nil)
	})

	for i := 0; i < 3; i++ {
		res, _ := r.Dispatch(context.Background(), Request{UserID: 2, Command: "secret"})
		assert.Equal(t, service.CodeForbidden, res.Code)
	}
	assert.True(t, limiter.Allow(2))
}
