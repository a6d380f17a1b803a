package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/ingest"
)

const probeTimeout = 3 * time.Second

// buildPingMessage /ping 响应：运行时间、命令队列、转发引擎、数据库和 Bot API 延迟
func (b *Bot) buildPingMessage(ctx context.Context) string {
	lines := []string{"🏓 Pong!"}

	if !b.startTime.IsZero() {
		lines = append(lines, fmt.Sprintf("⏱ 运行时间: %s", formatDuration(time.Since(b.startTime))))
	}
	if b.workers != nil {
		stats := b.workers.Stats()
		lines = append(lines, fmt.Sprintf("🛠 命令队列: %d/%d（%d 协程）", stats.QueueLength, stats.QueueCapacity, stats.Workers))
	}
	lines = append(lines, engineLines(b.admin)...)

	if b.db != nil {
		lines = append(lines, "🗄 数据库: "+probe(ctx, func(ctx context.Context) error {
			return b.db.Client().Ping(ctx, nil)
		}))
	}
	if b.bot != nil {
		lines = append(lines, "🌐 Bot API: "+probe(ctx, func(ctx context.Context) error {
			_, err := b.bot.GetMe(ctx)
			return err
		}))
	}

	return strings.Join(lines, "\n")
}

func engineLines(admin Admin) []string {
	if admin == nil {
		return nil
	}
	var lines []string
	if st, ok := admin.ListenerStatus().Data.(ingest.Status); ok {
		lines = append(lines, fmt.Sprintf("📡 监听: %d/%d 频道，待合并 %d", st.Subscribed, st.Channels, st.PendingBatches))
	}
	if st, ok := admin.DispatcherStats().Data.(dispatch.Stats); ok {
		lines = append(lines, fmt.Sprintf("📮 发送: Bot %d/%d 活跃，本小时 %d/%d，队列 %d",
			st.BotsActive, st.BotsTotal, st.HourlyCount, st.HourlyLimit, st.QueueSize))
	}
	return lines
}

// probe 执行一次带超时的探测，返回耗时或错误描述
func probe(ctx context.Context, fn func(context.Context) error) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		return fmt.Sprintf("⚠️ %v", err)
	}
	return fmt.Sprintf("✅ %s", time.Since(start).Round(time.Millisecond))
}

// formatDuration 将持续时间格式化为人类可读的字符串
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d天", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%d小时", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%d分钟", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d秒", seconds))
	}
	return strings.Join(parts, " ")
}
