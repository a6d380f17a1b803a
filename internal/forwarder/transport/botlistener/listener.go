package botlistener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// Listener 通过 Bot 长轮询接收频道消息（Bot 需为源频道管理员）
type Listener struct {
	token string

	mu        sync.RWMutex
	bot       *bot.Bot
	cancel    context.CancelFunc
	connected bool
	sinks     map[int64]func(models.Post)
}

// New 创建监听实例
func New(token string) *Listener {
	return &Listener{
		token: token,
		sinks: make(map[int64]func(models.Post)),
	}
}

// Factory 供依赖注入使用
func Factory(account models.Consumer) (transport.Listener, error) {
	if account.Token == "" {
		return nil, fmt.Errorf("listener %s has no bot token", account.Name)
	}
	return New(account.Token), nil
}

// Connect 创建 Bot 并开始长轮询
// Bot API 不使用 app_id/app_hash，凭据仅用于容量占用
func (l *Listener) Connect(ctx context.Context, cred models.Credential) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		return nil
	}

	b, err := bot.New(l.token,
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(l.handleUpdate),
		bot.WithAllowedUpdates(bot.AllowedUpdates{"channel_post"}),
	)
	if err != nil {
		return fmt.Errorf("failed to create listener bot: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go b.Start(runCtx)

	l.bot = b
	l.cancel = cancel
	l.connected = true
	logger.L().Debugf("Listener connected: credential=%s", cred.Name)
	return nil
}

// Authorized 调用 getMe 确认 token 有效
func (l *Listener) Authorized(ctx context.Context) (bool, error) {
	l.mu.RLock()
	b := l.bot
	l.mu.RUnlock()
	if b == nil {
		return false, transport.ErrDisconnected
	}

	if _, err := b.GetMe(ctx); err != nil {
		return false, fmt.Errorf("getMe failed: %w", err)
	}
	return true, nil
}

// Connected 连接是否存活
func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Subscribe 登记频道的消息回调
func (l *Listener) Subscribe(_ context.Context, channelID int64, sink func(models.Post)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return transport.ErrDisconnected
	}
	l.sinks[channelID] = sink
	return nil
}

// Close 停止长轮询
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	l.connected = false
	l.bot = nil
	return nil
}

func (l *Listener) handleUpdate(_ context.Context, _ *bot.Bot, update *botModels.Update) {
	if update.ChannelPost == nil {
		return
	}
	post := ToPost(update.ChannelPost)

	l.mu.RLock()
	sink := l.sinks[post.ChannelID]
	l.mu.RUnlock()

	if sink == nil {
		logger.L().Debugf("Ignoring post from unsubscribed channel %d", post.ChannelID)
		return
	}
	sink(post)
}

// ToPost 将 Bot API 消息转换为内部结构
func ToPost(msg *botModels.Message) models.Post {
	post := models.Post{
		ChannelID: msg.Chat.ID,
		MessageID: int64(msg.ID),
		GroupedID: msg.MediaGroupID,
		Sequence:  msg.ID,
		Text:      msg.Text,
		Date:      time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		post.FromID = msg.From.ID
	} else if msg.SenderChat != nil {
		post.FromID = msg.SenderChat.ID
	}
	if post.Text == "" {
		post.Text = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		// 最后一个尺寸分辨率最高
		post.Media = &models.Media{Kind: models.MediaPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Video != nil:
		post.Media = &models.Media{Kind: models.MediaVideo, FileID: msg.Video.FileID}
	case msg.Document != nil:
		post.Media = &models.Media{Kind: models.MediaDocument, FileID: msg.Document.FileID}
	}
	return post
}
