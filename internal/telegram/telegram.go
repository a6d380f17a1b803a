// Package telegram 管理 Bot：Owner 通过命令管理转发组、凭据和账号。
package telegram

import (
	"context"
	"fmt"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/logger"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	// CommandLimit 每个用户每 CommandPeriod 最多执行的命令数
	CommandLimit  = 10
	CommandPeriod = time.Minute

	handlerWorkers   = 4
	handlerQueueSize = 100
)

// Config 管理 Bot 配置
type Config struct {
	Token    string  // Bot Token
	OwnerIDs []int64 // Owner 用户 IDs
	Debug    bool    // 是否开启调试模式
}

// Bot 管理 Bot 服务
type Bot struct {
	bot       *bot.Bot
	db        *mongo.Database
	admin     Admin
	router    *Router
	workers   *WorkerPool
	startTime time.Time
}

// New 创建管理 Bot 实例
func New(cfg Config, admin Admin, db *mongo.Database) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token cannot be empty")
	}
	if len(cfg.OwnerIDs) == 0 {
		return nil, fmt.Errorf("at least one owner id is required")
	}

	b := &Bot{
		db:     db,
		admin:  admin,
		router: NewRouter(RequireOwner(cfg.OwnerIDs), RateLimit(NewUserLimiter(CommandLimit, CommandPeriod))),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.handleUpdate),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"message"}),
	}
	if cfg.Debug {
		opts = append(opts, bot.WithDebug())
	}

	api, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	b.bot = api

	registerHandlers(b.router, admin, b.buildPingMessage)

	logger.L().Info("Admin bot initialized successfully")
	return b, nil
}

// InitFromConfig 从应用配置初始化管理 Bot
func InitFromConfig(cfg *config.Config, admin Admin, db *mongo.Database) (*Bot, error) {
	return New(Config{
		Token:    cfg.TelegramToken,
		OwnerIDs: cfg.BotOwnerIDs,
		Debug:    cfg.Debug,
	}, admin, db)
}

// Start 启动 Bot（阻塞式，ctx 取消后返回）
func (b *Bot) Start(ctx context.Context) error {
	logger.L().Info("Starting admin bot...")
	b.startTime = time.Now()
	b.workers = NewWorkerPool(handlerWorkers, handlerQueueSize)

	b.bot.Start(ctx)

	b.workers.Shutdown()
	logger.L().Info("Admin bot stopped")
	return nil
}

// handleUpdate 解析命令并交给工作池异步执行
func (b *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *botModels.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	name, args, ok := ParseCommand(update.Message.Text)
	if !ok {
		return
	}
	req := Request{
		UserID:    update.Message.From.ID,
		ChatID:    update.Message.Chat.ID,
		MessageID: update.Message.ID,
		Command:   name,
		Args:      args,
	}

	b.workers.Submit(func() {
		res, found := b.router.Dispatch(ctx, req)
		if !found {
			return
		}
		b.reply(ctx, req, res)
	})
}
