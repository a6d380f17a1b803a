// Package service 管理操作：转发组、频道、过滤、时间窗口、凭据池、账号与统计。
// 所有操作返回 Result，不向调用方抛出错误。
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/ingest"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/pool"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/forwarder/rotation"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ListenerControl 监听账号控制（rotation.Controller）
type ListenerControl interface {
	Register(consumer models.Consumer) error
	Activate(ctx context.Context, id string) error
	ActivateAll(ctx context.Context)
	Resume(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Rebind(ctx context.Context, bindings map[string]string, creds []models.Credential)
	Accounts() []rotation.AccountStatus
	Stats() rotation.AccountStats
}

// SenderControl 发送 Bot 控制（dispatch.Dispatcher）
type SenderControl interface {
	AddSender(consumer models.Consumer, sender transport.Sender) error
	RemoveSender(id string) error
	ResumeSender(ctx context.Context, id string) error
	Senders() []dispatch.SenderStatus
	Stats() dispatch.Stats
}

// IngestStatus 接收层状态
type IngestStatus interface {
	Status() ingest.Status
}

// Deps 管理服务依赖
type Deps struct {
	Groups      repository.GroupRepository
	Channels    repository.ChannelRepository
	Credentials repository.CredentialRepository
	Consumers   repository.ConsumerRepository
	Statistics  repository.StatisticRepository
	Records     repository.MessageRecordRepository

	Pool          *pool.Manager
	Listeners     ListenerControl
	Senders       SenderControl
	Ingest        IngestStatus
	Filter        *filter.Engine
	SenderFactory transport.SenderFactory
	Settings      config.Source

	// OnTopologyChange 转发组或源频道变化后调用，用于刷新订阅和路由
	OnTopologyChange func(ctx context.Context)
	// OnReload 请求重新加载配置文件
	OnReload func()
}

// Admin 管理服务
type Admin struct {
	Deps
	now func() time.Time
}

// NewAdmin 创建管理服务
func NewAdmin(deps Deps) *Admin {
	return &Admin{Deps: deps, now: time.Now}
}

func (a *Admin) topologyChanged(ctx context.Context) {
	if a.OnTopologyChange != nil {
		a.OnTopologyChange(ctx)
	}
}

func parseID(kind, raw string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(strings.TrimSpace(raw))
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: bad %s id %q", errInvalidArgument, kind, raw)
	}
	return id, nil
}

func (a *Admin) today() string {
	return a.now().Format(models.StatDateLayout)
}

func logFailure(action string, r Result) Result {
	if !r.OK() && r.Code == CodeInternal {
		logger.L().Errorf("Admin %s failed: %s", action, r.Message)
	}
	return r
}
