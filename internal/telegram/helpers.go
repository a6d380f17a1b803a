package telegram

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	botModels "github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_forwarder/internal/forwarder/service"
	"tg_forwarder/internal/logger"
)

// maxMessageLen Telegram 单条消息的字符上限
const maxMessageLen = 4096

// reply 把命令结果渲染成 HTML 回复给发起人，过长的回复按行拆成多条
func (b *Bot) reply(ctx context.Context, req Request, res service.Result) {
	entry := logger.L().WithFields(logrus.Fields{
		"command": req.Command,
		"user_id": req.UserID,
		"code":    res.Code,
	})
	if res.OK() {
		entry.Info("Command completed")
	} else {
		entry.Warnf("Command failed: %s", res.Message)
	}

	for i, params := range replyParams(req, res) {
		if _, err := b.bot.SendMessage(ctx, params); err != nil {
			entry.Errorf("Failed to send reply part %d to chat %d: %v", i+1, req.ChatID, err)
			return
		}
	}
}

// replyParams 构造回复；只有第一条引用原命令
func replyParams(req Request, res service.Result) []*bot.SendMessageParams {
	chunks := splitMessage(Render(res), maxMessageLen)
	out := make([]*bot.SendMessageParams, 0, len(chunks))
	for i, text := range chunks {
		disabled := true
		params := &bot.SendMessageParams{
			ChatID:             req.ChatID,
			Text:               text,
			ParseMode:          botModels.ParseModeHTML,
			LinkPreviewOptions: &botModels.LinkPreviewOptions{IsDisabled: &disabled},
		}
		if i == 0 && req.MessageID > 0 {
			params.ReplyParameters = &botModels.ReplyParameters{MessageID: req.MessageID}
		}
		out = append(out, params)
	}
	return out
}

// splitMessage 按行切分，单行超长时按字符硬切
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var (
		chunks []string
		cur    strings.Builder
		n      int
	)
	flush := func() {
		if chunk := strings.TrimRight(cur.String(), "\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur.Reset()
		n = 0
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		size := utf8.RuneCountInString(line)
		if n+size > limit {
			flush()
		}
		for size > limit {
			runes := []rune(line)
			chunks = append(chunks, string(runes[:limit]))
			line = string(runes[limit:])
			size -= limit
		}
		cur.WriteString(line)
		n += size
	}
	flush()
	return chunks
}
