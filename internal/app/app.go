package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/forwarder/transport/botlistener"
	"tg_forwarder/internal/forwarder/transport/botsender"
	"tg_forwarder/internal/logger"
	"tg_forwarder/internal/mongo"
	"tg_forwarder/internal/telegram"
)

// App 应用服务容器
// 负责管理所有服务的生命周期（初始化、运行、关闭）
type App struct {
	*Engine

	cfg     *config.Config
	MongoDB *mongo.Client
	Bot     *telegram.Bot
}

// New 初始化应用及其所有服务
// 按顺序初始化各个服务，任何服务初始化失败都会返回错误
func New(cfg *config.Config) (*App, error) {
	if cfg.TelegramToken == "" {
		return nil, errors.New("TELEGRAM_TOKEN is required")
	}

	app := &App{cfg: cfg}

	mongoClient, err := mongo.InitFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init MongoDB failed: %w", err)
	}
	app.MongoDB = mongoClient
	logger.L().Info("MongoDB initialized successfully")

	db := mongoClient.Database()
	stores := Stores{
		Credentials: repository.NewMongoCredentialRepository(db),
		Consumers:   repository.NewMongoConsumerRepository(db),
		Groups:      repository.NewMongoGroupRepository(db),
		Channels:    repository.NewMongoChannelRepository(db),
		Records:     repository.NewMessageRecordRepository(db),
		Statistics:  repository.NewStatisticRepository(db),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MongoTimeout)
	defer cancel()
	if err := stores.EnsureIndexes(ctx); err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("ensure indexes failed: %w", err)
	}

	app.Engine, err = NewEngine(cfg, stores, Transports{
		Listener: botlistener.Factory,
		Sender:   botsender.Factory,
	})
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init forwarding engine failed: %w", err)
	}

	app.Bot, err = telegram.InitFromConfig(cfg, app.Admin, db)
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("init Telegram bot failed: %w", err)
	}

	return app, nil
}

// Run 运行直到收到关闭信号或某个服务失败
func (a *App) Run(ctx context.Context) error {
	return a.Engine.Run(ctx, a.Bot.Start)
}

// Close 优雅关闭所有服务
// 应该在应用退出时调用，确保资源正确释放
func (a *App) Close(ctx context.Context) error {
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.MongoDB != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.MongoDB.Close(closeCtx); err != nil {
			return fmt.Errorf("close MongoDB failed: %w", err)
		}
	}
	return nil
}
