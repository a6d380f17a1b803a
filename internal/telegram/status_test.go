package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/ingest"
	"tg_forwarder/internal/forwarder/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusAdmin struct {
	Admin
}

func (statusAdmin) ListenerStatus() service.Result {
	return service.Success("listener", ingest.Status{Channels: 4, Subscribed: 3, PendingBatches: 1})
}

func (statusAdmin) DispatcherStats() service.Result {
	return service.Success("dispatcher", dispatch.Stats{BotsTotal: 2, BotsActive: 1, HourlyCount: 7, HourlyLimit: 50, QueueSize: 3})
}

func TestEngineLines(t *testing.T) {
	lines := engineLines(statusAdmin{})
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "3/4 频道")
	assert.Contains(t, lines[1], "本小时 7/50")

	assert.Nil(t, engineLines(nil))
}

func TestProbe(t *testing.T) {
	ok := probe(context.Background(), func(context.Context) error { return nil })
	assert.True(t, strings.HasPrefix(ok, "✅"))

	failed := probe(context.Background(), func(context.Context) error { return errors.New("unreachable") })
	assert.Equal(t, "⚠️ unreachable", failed)
}

func TestBuildPingMessageWithoutConnections(t *testing.T) {
	b := &Bot{admin: statusAdmin{}}
	msg := b.buildPingMessage(context.Background())
	assert.True(t, strings.HasPrefix(msg, "🏓 Pong!"))
	assert.Contains(t, msg, "📡 监听")
	assert.NotContains(t, msg, "数据库")
}
