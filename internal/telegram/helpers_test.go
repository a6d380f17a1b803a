package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"tg_forwarder/internal/forwarder/service"

	botModels "github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyParamsRendersResult(t *testing.T) {
	req := Request{ChatID: 42, MessageID: 7, Command: "group"}

	params := replyParams(req, service.Failure(service.CodeNotFound, "group <x> not found"))
	require.Len(t, params, 1)
	assert.Equal(t, int64(42), params[0].ChatID)
	assert.Equal(t, "❌ group &lt;x&gt; not found", params[0].Text)
	assert.Equal(t, botModels.ParseModeHTML, params[0].ParseMode)
	require.NotNil(t, params[0].ReplyParameters)
	assert.Equal(t, 7, params[0].ReplyParameters.MessageID)
	require.NotNil(t, params[0].LinkPreviewOptions)
	assert.True(t, *params[0].LinkPreviewOptions.IsDisabled)
}

func TestReplyParamsSplitsLongReply(t *testing.T) {
	line := strings.Repeat("频", 100)
	lines := make([]string, 90)
	for i := range lines {
		lines[i] = line
	}
	res := service.Success("long", []string{strings.Join(lines, "\n")})

	params := replyParams(Request{ChatID: 1, MessageID: 3}, res)
	require.Len(t, params, 3)
	assert.NotNil(t, params[0].ReplyParameters)
	for _, p := range params[1:] {
		assert.Nil(t, p.ReplyParameters)
	}
	for _, p := range params {
		assert.LessOrEqual(t, utf8.RuneCountInString(p.Text), maxMessageLen)
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, splitMessage("aaaa\nbbbb\ncccc", 10))
	assert.Equal(t, []string{"abcdefghij", "klm\nxy"}, splitMessage("abcdefghijklm\nxy", 10))
}
