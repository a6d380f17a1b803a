package botsender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/transport"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
)

// Telegram 文本与说明文字长度上限（字符）
const (
	maxTextLength    = 4096
	maxCaptionLength = 1024
)

// Sender 基于 Bot API 的发送身份
type Sender struct {
	bot *bot.Bot
}

// New 创建发送 Bot，不在构造时请求 getMe
func New(token string) (*Sender, error) {
	if token == "" {
		return nil, fmt.Errorf("bot token cannot be empty")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &Sender{bot: b}, nil
}

// Factory 供依赖注入使用
func Factory(consumer models.Consumer) (transport.Sender, error) {
	return New(consumer.Token)
}

// Verify 调用 getMe 校验 token
func (s *Sender) Verify(ctx context.Context) (string, error) {
	me, err := s.bot.GetMe(ctx)
	if err != nil {
		return "", Classify(err)
	}
	return me.Username, nil
}

// Send 发送文本、单个媒体或媒体组
func (s *Sender) Send(ctx context.Context, chatID int64, content models.Outgoing) (models.Receipt, error) {
	switch len(content.Media) {
	case 0:
		msg, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   truncate(content.Text, maxTextLength),
		})
		if err != nil {
			return models.Receipt{}, Classify(err)
		}
		return models.Receipt{MessageIDs: []int64{int64(msg.ID)}}, nil
	case 1:
		return s.sendSingleMedia(ctx, chatID, content.Media[0])
	default:
		return s.sendMediaGroup(ctx, chatID, content.Media)
	}
}

func (s *Sender) sendSingleMedia(ctx context.Context, chatID int64, m models.OutgoingMedia) (models.Receipt, error) {
	caption := truncate(m.Caption, maxCaptionLength)
	file := &botModels.InputFileString{Data: m.FileID}

	var (
		msg *botModels.Message
		err error
	)
	switch m.Kind {
	case models.MediaPhoto:
		msg, err = s.bot.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, Photo: file, Caption: caption})
	case models.MediaVideo:
		msg, err = s.bot.SendVideo(ctx, &bot.SendVideoParams{ChatID: chatID, Video: file, Caption: caption})
	default:
		msg, err = s.bot.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, Document: file, Caption: caption})
	}
	if err != nil {
		return models.Receipt{}, Classify(err)
	}
	return models.Receipt{MessageIDs: []int64{int64(msg.ID)}}, nil
}

func (s *Sender) sendMediaGroup(ctx context.Context, chatID int64, items []models.OutgoingMedia) (models.Receipt, error) {
	media := make([]botModels.InputMedia, 0, len(items))
	for _, m := range items {
		caption := truncate(m.Caption, maxCaptionLength)
		switch m.Kind {
		case models.MediaPhoto:
			media = append(media, &botModels.InputMediaPhoto{Media: m.FileID, Caption: caption})
		case models.MediaVideo:
			media = append(media, &botModels.InputMediaVideo{Media: m.FileID, Caption: caption})
		default:
			media = append(media, &botModels.InputMediaDocument{Media: m.FileID, Caption: caption})
		}
	}

	msgs, err := s.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{ChatID: chatID, Media: media})
	if err != nil {
		return models.Receipt{}, Classify(err)
	}
	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, int64(msg.ID))
	}
	return models.Receipt{MessageIDs: ids}, nil
}

// Classify 将 Bot API 错误映射为传输层错误分类
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		retryAfter := time.Duration(tooMany.RetryAfter) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return &transport.ThrottledError{RetryAfter: retryAfter, Err: err}
	}

	switch {
	case errors.Is(err, bot.ErrorForbidden):
		return fmt.Errorf("%w: %v", transport.ErrForbidden, err)
	case errors.Is(err, bot.ErrorUnauthorized):
		return fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	}
	return err
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
