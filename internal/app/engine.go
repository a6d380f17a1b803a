// Package app 组装转发引擎：存储、凭据池、监听、流水线、发送队列、定时任务和管理 Bot。
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/ingest"
	"tg_forwarder/internal/forwarder/ledger"
	"tg_forwarder/internal/forwarder/pipeline"
	"tg_forwarder/internal/forwarder/pool"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/forwarder/rotation"
	"tg_forwarder/internal/forwarder/schedule"
	"tg_forwarder/internal/forwarder/service"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"
)

// Stores 全部存储
type Stores struct {
	Credentials repository.CredentialRepository
	Consumers   repository.ConsumerRepository
	Groups      repository.GroupRepository
	Channels    repository.ChannelRepository
	Records     repository.MessageRecordRepository
	Statistics  repository.StatisticRepository
}

// EnsureIndexes 创建全部索引
func (s Stores) EnsureIndexes(ctx context.Context) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"credentials", s.Credentials.EnsureIndexes},
		{"consumers", s.Consumers.EnsureIndexes},
		{"groups", s.Groups.EnsureIndexes},
		{"channels", s.Channels.EnsureIndexes},
		{"message records", s.Records.EnsureIndexes},
		{"statistics", s.Statistics.EnsureIndexes},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("failed to ensure %s indexes: %w", step.name, err)
		}
		logger.L().Debugf("%s indexes ensured", step.name)
	}
	return nil
}

// Transports 传输层工厂
type Transports struct {
	Listener transport.ListenerFactory
	Sender   transport.SenderFactory
}

// Engine 转发引擎，不含管理 Bot 和数据库连接
type Engine struct {
	cfg      *config.Config
	stores   Stores
	settings *config.Store

	Pool       *pool.Manager
	Listeners  *rotation.Controller
	Dispatcher *dispatch.Dispatcher
	Ledger     *ledger.Ledger
	Filter     *filter.Engine
	Pipeline   *pipeline.Pipeline
	Ingestor   *ingest.Ingestor
	Admin      *service.Admin
	Scheduler  *schedule.Scheduler

	senderFactory transport.SenderFactory
	control       chan Control
	closeOnce     sync.Once
}

// NewEngine 按依赖顺序创建全部组件，不启动任何协程
func NewEngine(cfg *config.Config, stores Stores, tr Transports) (*Engine, error) {
	if tr.Listener == nil || tr.Sender == nil {
		return nil, errors.New("listener and sender transports are required")
	}

	e := &Engine{
		cfg:           cfg,
		stores:        stores,
		settings:      config.NewStore(cfg.Settings),
		senderFactory: tr.Sender,
		control:       make(chan Control, 4),
	}
	current := e.settings.Current()

	persister := service.NewPersister(stores.Consumers, stores.Credentials)

	e.Pool = pool.NewManager()
	e.Listeners = rotation.NewController(e.Pool, tr.Listener, e.settings, persister, rotation.NewRotator(e.settings, nil))

	l, err := ledger.New(stores.Records, ledger.DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	e.Ledger = l
	e.Filter = filter.NewEngine()

	e.Pipeline = pipeline.New(stores.Channels, stores.Consumers, stores.Statistics, e.Ledger, e.Filter, nil)
	e.Dispatcher = dispatch.New(dispatch.Options{
		Settings: e.settings,
		Rotator:  rotation.NewPerMessageRotator(),
		Recorder: e.Pipeline,
		Health:   persister,
	})
	e.Pipeline.SetQueue(e.Dispatcher)

	e.Ingestor = ingest.New(e.Listeners, e.Pipeline, ingest.Options{
		Workers:      current.Ingest.Workers,
		QueueSize:    current.Ingest.QueueSize,
		SettleWindow: func() time.Duration { return e.settings.Current().SettleWindow() },
		FlushOnStop:  func() bool { return e.settings.Current().Ingest.ShutdownPolicy == config.ShutdownFlush },
	})
	e.Listeners.SetHooks(rotation.Hooks{
		OnActivated:   e.Ingestor.ListenerActivated,
		OnDeactivated: e.Ingestor.ListenerDeactivated,
	})

	e.Admin = service.NewAdmin(service.Deps{
		Groups:           stores.Groups,
		Channels:         stores.Channels,
		Credentials:      stores.Credentials,
		Consumers:        stores.Consumers,
		Statistics:       stores.Statistics,
		Records:          stores.Records,
		Pool:             e.Pool,
		Listeners:        e.Listeners,
		Senders:          e.Dispatcher,
		Ingest:           e.Ingestor,
		Filter:           e.Filter,
		SenderFactory:    tr.Sender,
		Settings:         e.settings,
		OnTopologyChange: e.Resync,
		OnReload:         func() { e.Post(ControlReload) },
	})

	e.Scheduler = schedule.NewScheduler(nil)
	if err := e.Scheduler.Add("group-status", schedule.SweepSpec, 0, schedule.StatusSweep(stores.Groups, nil)); err != nil {
		return nil, err
	}
	if err := e.Scheduler.Add("retention", schedule.RetentionSpec, 0, e.cleanup); err != nil {
		return nil, err
	}

	return e, nil
}

// Settings 当前生效的配置
func (e *Engine) Settings() config.Settings {
	return e.settings.Current()
}

// Resync 重新读取转发组和源频道，刷新接收层路由与订阅
func (e *Engine) Resync(ctx context.Context) {
	groups, err := e.stores.Groups.List(ctx)
	if err != nil {
		logger.L().Errorf("Failed to load groups for resync: %v", err)
		return
	}
	sources, err := e.stores.Channels.ListSources(ctx)
	if err != nil {
		logger.L().Errorf("Failed to load sources for resync: %v", err)
		return
	}
	e.Ingestor.Sync(ctx, groups, sources)
}

func (e *Engine) cleanup(ctx context.Context) error {
	if res := e.Admin.CleanupOldData(ctx); !res.OK() {
		return errors.New(res.Message)
	}
	return nil
}

// Close 停止接收、发送和定时任务，断开监听账号
// 顺序：先停接收层（flush 策略下批次仍可入队），再停发送队列
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.Ingestor.Stop()
		e.Dispatcher.Stop()
		e.Scheduler.Stop()
		e.Listeners.Close()
		logger.L().Info("Forwarding engine stopped")
	})
}
