// Package transport 定义监听与发送两类外部能力。
//
// 具体协议实现在子包中：botsender 基于 Bot API 发送，botlistener 基于 Bot API 接收频道消息。
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_forwarder/internal/forwarder/models"
)

var (
	// ErrForbidden 身份被目标拒绝（被踢出、被封禁），对该身份是终止性的
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized 身份凭据失效
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDisconnected 传输连接已断开
	ErrDisconnected = errors.New("transport disconnected")
)

// ThrottledError 上游限流，RetryAfter 为上游要求的等待时长
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// Sender 发送身份
type Sender interface {
	// Send 发送到目标频道，错误需分类为 *ThrottledError、ErrForbidden 或其他（瞬时）错误
	Send(ctx context.Context, chatID int64, content models.Outgoing) (models.Receipt, error)
	// Verify 校验身份有效，返回身份的用户名
	Verify(ctx context.Context) (string, error)
}

// Listener 监听身份
type Listener interface {
	// Connect 使用分配到的凭据建立连接
	Connect(ctx context.Context, cred models.Credential) error
	// Authorized 确认身份已授权
	Authorized(ctx context.Context) (bool, error)
	// Connected 连接是否存活
	Connected() bool
	// Subscribe 订阅频道，消息通过 sink 回调投递
	Subscribe(ctx context.Context, channelID int64, sink func(models.Post)) error
	// Close 断开连接
	Close() error
}

// ListenerFactory 为监听账号创建传输实例
type ListenerFactory func(account models.Consumer) (Listener, error)

// SenderFactory 为发送 Bot 创建传输实例
type SenderFactory func(bot models.Consumer) (Sender, error)

// IsThrottled 判断并取出限流错误
func IsThrottled(err error) (*ThrottledError, bool) {
	var te *ThrottledError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
