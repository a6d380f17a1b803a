package telegram

import (
	"testing"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/service"

	"github.com/stretchr/testify/assert"
)

func TestRenderEscapesHTML(t *testing.T) {
	out := Render(service.Failure(service.CodeInvalidArgument, "用法: /group <group_id>"))
	assert.Equal(t, "❌ 用法: /group &lt;group_id&gt;", out)
}

func TestRenderGroupList(t *testing.T) {
	out := Render(service.Success("2 groups", []service.GroupSummary{
		{ID: "a1", Name: "<news>", Enabled: true, Status: models.GroupStatusActive, Sources: 2, Targets: 1, TodaySent: 5, TodayErrors: 1},
		{ID: "b2", Name: "night", Enabled: true, Status: models.GroupStatusInactive, Schedule: &models.Schedule{Start: "22:00", End: "06:00"}},
	}))
	assert.Contains(t, out, "✅ 2 groups")
	assert.Contains(t, out, "&lt;news&gt;")
	assert.Contains(t, out, "失败 1")
	assert.Contains(t, out, "🌙 <b>night</b>")
	assert.Contains(t, out, "22:00-06:00")
}

func TestRenderPreview(t *testing.T) {
	out := Render(service.Success("suppressed", filter.Preview{Suppressed: true, Reason: filter.ReasonAd}))
	assert.Contains(t, out, "advertisement")

	out = Render(service.Success("ok", filter.Preview{Filtered: "a<b", Removed: 3}))
	assert.Contains(t, out, "a&lt;b")
	assert.Contains(t, out, "删除 3 个字符")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0秒", formatDuration(0))
	assert.Equal(t, "1天 2小时 5秒", formatDuration(26*3600e9+5e9))
}

func TestRenderSettings(t *testing.T) {
	s := config.DefaultSettings()
	out := Render(service.Success("effective settings", s))
	assert.Contains(t, out, "间隔 3-30 秒，每小时上限 50")
	assert.Contains(t, out, "策略 <code>message</code>，周期 30 分钟\n")
	assert.NotContains(t, out, "最短停留")
	assert.Contains(t, out, "停止时 <code>discard</code>")

	s.Rotation.Strategy = config.RotationSmart
	out = Render(service.Success("effective settings", s))
	assert.Contains(t, out, "最短停留 10 分钟，概率 0.10")
}
