package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/ingest"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/service"
)

// Render 把命令结果转成 HTML 回复
func Render(res service.Result) string {
	if !res.OK() {
		return "❌ " + html.EscapeString(res.Message)
	}

	var sb strings.Builder
	sb.WriteString("✅ ")
	sb.WriteString(html.EscapeString(res.Message))
	if detail := renderData(res.Data); detail != "" {
		sb.WriteString("\n\n")
		sb.WriteString(detail)
	}
	return sb.String()
}

func renderData(data any) string {
	switch d := data.(type) {
	case nil:
		return ""
	case *models.ForwardingGroup:
		return fmt.Sprintf("ID: <code>%s</code>", d.ID.Hex())
	case *models.Credential:
		return fmt.Sprintf("ID: <code>%s</code>\n容量: %d", d.ID.Hex(), d.Capacity)
	case *models.Consumer:
		return fmt.Sprintf("ID: <code>%s</code>", d.ID.Hex())
	case models.Consumer:
		return fmt.Sprintf("ID: <code>%s</code>", d.ID.Hex())
	case []service.GroupSummary:
		return renderGroupList(d)
	case service.GroupInfo:
		return renderGroupInfo(d)
	case models.FilterConfig:
		return renderFilter(d, "")
	case service.StatisticsReport:
		return renderStatistics(d)
	case service.PoolStatus:
		return renderPool(d)
	case service.AccountsReport:
		return renderAccounts(d)
	case filter.Preview:
		return renderPreview(d)
	case statusReport:
		return strings.TrimSpace(renderData(d.Listener) + "\n" + renderData(d.Dispatcher))
	case ingest.Status:
		return fmt.Sprintf("📡 监听: %d/%d 频道已订阅，待合并媒体组 %d，队列 %d，%d 个协程",
			d.Subscribed, d.Channels, d.PendingBatches, d.QueueLength, d.Workers)
	case dispatch.Stats:
		return renderDispatcher(d)
	case config.Settings:
		return renderSettings(d)
	case service.CleanupReport:
		return fmt.Sprintf("截止日期: %s", d.Before)
	case []string:
		return html.EscapeString(strings.Join(d, "、"))
	default:
		return ""
	}
}

func renderGroupList(list []service.GroupSummary) string {
	if len(list) == 0 {
		return "📝 暂无转发组"
	}
	var sb strings.Builder
	for i, g := range list {
		state := "🟢"
		if !g.Enabled {
			state = "⏸"
		} else if g.Status == models.GroupStatusInactive {
			state = "🌙"
		}
		sb.WriteString(fmt.Sprintf("%d. %s <b>%s</b> <code>%s</code>\n", i+1, state, html.EscapeString(g.Name), g.ID))
		sb.WriteString(fmt.Sprintf("   源 %d · 目标 %d · 今日 %d 条", g.Sources, g.Targets, g.TodaySent))
		if g.TodayErrors > 0 {
			sb.WriteString(fmt.Sprintf(" · 失败 %d", g.TodayErrors))
		}
		if g.Schedule != nil {
			sb.WriteString(fmt.Sprintf(" · %s-%s", g.Schedule.Start, g.Schedule.End))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderGroupInfo(info service.GroupInfo) string {
	g := info.Group
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID: <code>%s</code>\n", g.ID.Hex()))
	sb.WriteString(fmt.Sprintf("状态: %s（%s）\n", enabledText(g.Enabled), g.Status))
	if g.Schedule != nil {
		sb.WriteString(fmt.Sprintf("时间窗口: %s-%s\n", g.Schedule.Start, g.Schedule.End))
	} else {
		sb.WriteString("时间窗口: 全天\n")
	}

	sb.WriteString(fmt.Sprintf("\n📥 源频道 (%d)\n", len(info.Sources)))
	for _, s := range info.Sources {
		sb.WriteString(fmt.Sprintf("• <code>%d</code> %s 高水位 %d\n", s.ChannelID, channelLabel(s.Username, s.Title), s.LastMessageID))
	}
	sb.WriteString(fmt.Sprintf("\n📤 目标频道 (%d)\n", len(info.Targets)))
	for _, t := range info.Targets {
		sb.WriteString(fmt.Sprintf("• <code>%d</code> %s\n", t.ChannelID, channelLabel(t.Username, t.Title)))
	}

	sb.WriteString("\n")
	sb.WriteString(renderFilter(g.Filter, g.Footer))

	sb.WriteString(fmt.Sprintf("\n\n📊 最近 %d 天\n", len(info.Daily)))
	for _, d := range info.Daily {
		sb.WriteString(fmt.Sprintf("%s  %d / %d\n", d.Date, d.Sent, d.Errors))
	}
	sb.WriteString(fmt.Sprintf("合计 %d 条，成功率 %.1f%%", info.Total.Sent, info.Total.SuccessRate*100))
	return sb.String()
}

func renderFilter(cfg models.FilterConfig, footer string) string {
	var sb strings.Builder
	sb.WriteString("🧹 过滤\n")
	sb.WriteString(fmt.Sprintf("links=%s emoji=%s special=%s ad=%s smart=%s",
		onOff(cfg.RemoveLinks), onOff(cfg.RemoveEmoji), onOff(cfg.RemoveSpecialChars),
		onOff(cfg.AdDetection), onOff(cfg.SmartFilter)))
	for i, r := range cfg.CustomRules {
		sb.WriteString(fmt.Sprintf("\n规则 %d: %s <code>%s</code>", i+1, r.Type, html.EscapeString(r.Pattern)))
	}
	if footer != "" {
		sb.WriteString("\n小尾巴: " + html.EscapeString(footer))
	}
	return sb.String()
}

func renderStatistics(r service.StatisticsReport) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 %s 成功 %d，失败 %d，成功率 %.1f%%\n",
		r.Total.Date, r.Total.Sent, r.Total.Errors, r.Total.SuccessRate*100))
	if len(r.Groups) > 0 {
		sb.WriteString("\n按转发组\n")
		for _, g := range r.Groups {
			name := g.Name
			if name == "" {
				name = g.GroupID
			}
			sb.WriteString(fmt.Sprintf("• %s: %d / %d\n", html.EscapeString(name), g.Sent, g.Errors))
		}
	}
	if len(r.Consumers) > 0 {
		sb.WriteString("\n按发送身份\n")
		for _, c := range r.Consumers {
			sb.WriteString(fmt.Sprintf("• <code>%s</code>: %d / %d\n", c.ConsumerID, c.Sent, c.Errors))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderPool(p service.PoolStatus) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔑 凭据 %d 个，容量 %d，已用 %d，可用 %d，使用率 %.1f%%",
		p.Stats.Credentials, p.Stats.Capacity, p.Stats.Used, p.Stats.Available, p.Stats.UsageRate*100))
	for _, c := range p.Credentials {
		sb.WriteString(fmt.Sprintf("\n• %s <code>%s</code> %d/%d %s",
			html.EscapeString(c.Name), c.ID.Hex(), c.Used, c.Capacity, c.Status))
	}
	return sb.String()
}

func renderAccounts(r service.AccountsReport) string {
	var sb strings.Builder
	ls := r.ListenerStats
	sb.WriteString(fmt.Sprintf("👂 监听账号 %d（活跃 %d，降级 %d，挂起 %d，离线 %d）",
		ls.Total, ls.Active, ls.Degraded, ls.Suspended, ls.Offline))
	for _, a := range r.Listeners {
		sb.WriteString(fmt.Sprintf("\n• %s %s <code>%s</code>", healthIcon(a.Health), html.EscapeString(a.Name), a.ID))
		if a.ErrorCount > 0 {
			sb.WriteString(fmt.Sprintf(" 错误 %d", a.ErrorCount))
		}
	}
	sb.WriteString(fmt.Sprintf("\n\n🤖 发送 Bot %d（活跃 %d）", r.Dispatcher.BotsTotal, r.Dispatcher.BotsActive))
	for _, s := range r.Senders {
		sb.WriteString(fmt.Sprintf("\n• %s @%s <code>%s</code> 已发 %d", healthIcon(s.Health), html.EscapeString(s.Username), s.ID, s.Sent))
		if s.LastUsed != nil {
			sb.WriteString(" 最近 " + s.LastUsed.Format(time.DateTime))
		}
	}
	return sb.String()
}

func renderPreview(p filter.Preview) string {
	if p.Suppressed {
		return fmt.Sprintf("🚫 整条消息会被丢弃（%s）", p.Reason)
	}
	return fmt.Sprintf("过滤后:\n%s\n\n删除 %d 个字符", html.EscapeString(p.Filtered), p.Removed)
}

func renderDispatcher(d dispatch.Stats) string {
	limit := "不限"
	if d.HourlyLimit > 0 {
		limit = fmt.Sprintf("%d", d.HourlyLimit)
	}
	return fmt.Sprintf("📮 发送: 本小时 %d/%s，队列 %d，Bot %d/%d 活跃，%d 个协程",
		d.HourlyCount, limit, d.QueueSize, d.BotsActive, d.BotsTotal, d.Workers)
}

func channelLabel(username, title string) string {
	parts := make([]string, 0, 2)
	if username != "" {
		parts = append(parts, "@"+html.EscapeString(username))
	}
	if title != "" {
		parts = append(parts, html.EscapeString(title))
	}
	return strings.Join(parts, " ")
}

func healthIcon(h models.Health) string {
	switch h {
	case models.HealthActive:
		return "🟢"
	case models.HealthDegraded, models.HealthConnecting:
		return "🟡"
	case models.HealthSuspended:
		return "🔴"
	default:
		return "⚪"
	}
}

func enabledText(enabled bool) string {
	if enabled {
		return "启用"
	}
	return "停用"
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func renderSettings(s config.Settings) string {
	var sb strings.Builder
	sb.WriteString("⏱ 发送\n")
	sb.WriteString(fmt.Sprintf("• 间隔 %d-%d 秒，每小时上限 %d，超时 %d 秒\n",
		s.Global.MinInterval, s.Global.MaxInterval, s.Global.HourlyLimit, s.Global.SendTimeout))
	sb.WriteString(fmt.Sprintf("• 发送协程 %d，队列 %d\n", s.Dispatch.Workers, s.Dispatch.QueueSize))

	r := s.Rotation
	sb.WriteString("\n🔄 监听账号轮换\n")
	sb.WriteString(fmt.Sprintf("• 策略 <code>%s</code>，周期 %d 分钟", html.EscapeString(r.Strategy), r.TimePerRotation))
	if r.Strategy == config.RotationSmart {
		sb.WriteString(fmt.Sprintf("，最短停留 %d 分钟，概率 %.2f", r.MinDwell, r.Probability))
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("• 健康检查 %d 秒，错误阈值 %d\n", r.HealthInterval, r.ErrorThreshold))

	in := s.Ingest
	sb.WriteString("\n📥 接收\n")
	sb.WriteString(fmt.Sprintf("• 媒体组静默 %d 秒，协程 %d，队列 %d，停止时 <code>%s</code>\n",
		in.SettleWindow, in.Workers, in.QueueSize, html.EscapeString(in.ShutdownPolicy)))

	sb.WriteString(fmt.Sprintf("\n🗑 数据保留 %d 天", s.Security.LogRetentionDays))
	return sb.String()
}
