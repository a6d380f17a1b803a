package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/schedule"
)

// StatDays 转发组详情中的统计天数
const StatDays = 7

// GroupSummary 转发组列表项
type GroupSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Enabled     bool               `json:"enabled"`
	Status      models.GroupStatus `json:"status"`
	Schedule    *models.Schedule   `json:"schedule,omitempty"`
	Sources     int                `json:"sources"`
	Targets     int                `json:"targets"`
	TodaySent   int64              `json:"today_sent"`
	TodayErrors int64              `json:"today_errors"`
}

// DailyTotal 单日汇总
type DailyTotal struct {
	Date        string  `json:"date"`
	Sent        int64   `json:"sent"`
	Errors      int64   `json:"errors"`
	SuccessRate float64 `json:"success_rate"`
}

func (d *DailyTotal) add(sent, errors int64) {
	d.Sent += sent
	d.Errors += errors
	if total := d.Sent + d.Errors; total > 0 {
		d.SuccessRate = float64(d.Sent) / float64(total)
	}
}

// GroupInfo 转发组详情
type GroupInfo struct {
	Group   models.ForwardingGroup  `json:"group"`
	Sources []*models.SourceChannel `json:"sources"`
	Targets []*models.TargetChannel `json:"targets"`
	Daily   []DailyTotal            `json:"daily"`
	Total   DailyTotal              `json:"total"`
}

// ChannelRef 频道引用：数字 ID，可附带 @username
type ChannelRef struct {
	ChannelID int64
	Username  string
	Title     string
}

// ParseChannelRef 解析 "-1001234567890" 或 "-1001234567890 @name"
func ParseChannelRef(raw string) (ChannelRef, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ChannelRef{}, fmt.Errorf("%w: channel is empty", errInvalidArgument)
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id == 0 {
		return ChannelRef{}, fmt.Errorf("%w: channel id must be a non-zero integer, got %q", errInvalidArgument, fields[0])
	}
	ref := ChannelRef{ChannelID: id}
	if len(fields) > 1 {
		ref.Username = strings.TrimPrefix(fields[1], "@")
	}
	if len(fields) > 2 {
		ref.Title = strings.Join(fields[2:], " ")
	}
	return ref, nil
}

// CreateGroup 创建转发组，默认启用并使用默认过滤配置
func (a *Admin) CreateGroup(ctx context.Context, name string) Result {
	name = strings.TrimSpace(name)
	if name == "" {
		return Failure(CodeInvalidArgument, "group name is empty")
	}
	group := &models.ForwardingGroup{
		Name:    name,
		Enabled: true,
		Status:  models.GroupStatusActive,
		Filter:  models.DefaultFilterConfig(),
	}
	if err := a.Groups.Create(ctx, group); err != nil {
		return logFailure("create group", fromError("create group", err))
	}
	return Success(fmt.Sprintf("group %q created", name), group)
}

// AddSourceChannel 为转发组添加源频道
func (a *Admin) AddSourceChannel(ctx context.Context, groupID string, ref ChannelRef) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("add source", err)
	}
	if _, err := a.Groups.Get(ctx, gid); err != nil {
		return fromError("add source", err)
	}
	source := &models.SourceChannel{
		GroupID:   gid,
		ChannelID: ref.ChannelID,
		Username:  ref.Username,
		Title:     ref.Title,
	}
	if err := a.Channels.AddSource(ctx, source); err != nil {
		return logFailure("add source", fromError("add source", err))
	}
	a.topologyChanged(ctx)
	return Success(fmt.Sprintf("source %d added", ref.ChannelID), source)
}

// AddTargetChannel 为转发组添加目标频道
func (a *Admin) AddTargetChannel(ctx context.Context, groupID string, ref ChannelRef) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("add target", err)
	}
	if _, err := a.Groups.Get(ctx, gid); err != nil {
		return fromError("add target", err)
	}
	target := &models.TargetChannel{
		GroupID:   gid,
		ChannelID: ref.ChannelID,
		Username:  ref.Username,
		Title:     ref.Title,
	}
	if err := a.Channels.AddTarget(ctx, target); err != nil {
		return logFailure("add target", fromError("add target", err))
	}
	return Success(fmt.Sprintf("target %d added", ref.ChannelID), target)
}

// SetFilter 更新过滤配置；footer 为 nil 时保留原值
func (a *Admin) SetFilter(ctx context.Context, groupID string, cfg models.FilterConfig, footer *string) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("set filter", err)
	}
	if err := filter.ValidateRules(cfg.CustomRules); err != nil {
		return fromError("set filter", err)
	}
	if err := a.Groups.UpdateFilter(ctx, gid, cfg, footer); err != nil {
		return logFailure("set filter", fromError("set filter", err))
	}
	a.topologyChanged(ctx)
	return Success("filter updated", cfg)
}

// SetSchedule 设置时间窗口；start 和 end 都为空时清除窗口
func (a *Admin) SetSchedule(ctx context.Context, groupID, start, end string) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("set schedule", err)
	}

	var sched *models.Schedule
	if start != "" || end != "" {
		sched = &models.Schedule{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
		if err := schedule.Validate(sched); err != nil {
			return fromError("set schedule", err)
		}
	}
	if err := a.Groups.UpdateSchedule(ctx, gid, sched); err != nil {
		return logFailure("set schedule", fromError("set schedule", err))
	}

	// 立即翻转展示状态，不等下一次扫描
	status := models.GroupStatusActive
	if !schedule.InWindow(a.now(), sched) {
		status = models.GroupStatusInactive
	}
	if err := a.Groups.UpdateStatus(ctx, gid, status); err != nil {
		return logFailure("set schedule", fromError("set schedule", err))
	}
	a.topologyChanged(ctx)

	if sched == nil {
		return Success("schedule cleared", nil)
	}
	return Success(fmt.Sprintf("schedule set to %s-%s", sched.Start, sched.End), sched)
}

// SetGroupEnabled 启用或停用转发组
func (a *Admin) SetGroupEnabled(ctx context.Context, groupID string, enabled bool) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("set enabled", err)
	}
	if err := a.Groups.SetEnabled(ctx, gid, enabled); err != nil {
		return logFailure("set enabled", fromError("set enabled", err))
	}
	a.topologyChanged(ctx)
	if enabled {
		return Success("group enabled", nil)
	}
	return Success("group disabled", nil)
}

// GetGroupList 全部转发组及当日统计
func (a *Admin) GetGroupList(ctx context.Context) Result {
	groups, err := a.Groups.List(ctx)
	if err != nil {
		return logFailure("list groups", fromError("list groups", err))
	}
	sources, err := a.Channels.ListSources(ctx)
	if err != nil {
		return logFailure("list groups", fromError("list groups", err))
	}
	today, err := a.Statistics.ListByDate(ctx, a.today())
	if err != nil {
		return logFailure("list groups", fromError("list groups", err))
	}

	sourceCount := make(map[string]int)
	for _, s := range sources {
		sourceCount[s.GroupID.Hex()]++
	}
	sent := make(map[string]int64)
	errs := make(map[string]int64)
	for _, st := range today {
		sent[st.GroupID.Hex()] += st.Sent
		errs[st.GroupID.Hex()] += st.Errors
	}

	list := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		targets, err := a.Channels.ListTargetsByGroup(ctx, g.ID)
		if err != nil {
			return logFailure("list groups", fromError("list groups", err))
		}
		key := g.ID.Hex()
		list = append(list, GroupSummary{
			ID:          key,
			Name:        g.Name,
			Enabled:     g.Enabled,
			Status:      g.Status,
			Schedule:    g.Schedule,
			Sources:     sourceCount[key],
			Targets:     len(targets),
			TodaySent:   sent[key],
			TodayErrors: errs[key],
		})
	}
	return Success(fmt.Sprintf("%d groups", len(list)), list)
}

// GetGroupInfo 转发组详情，含最近 StatDays 天统计
func (a *Admin) GetGroupInfo(ctx context.Context, groupID string) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("group info", err)
	}
	group, err := a.Groups.Get(ctx, gid)
	if err != nil {
		return logFailure("group info", fromError("group info", err))
	}
	sources, err := a.Channels.ListSourcesByGroup(ctx, gid)
	if err != nil {
		return logFailure("group info", fromError("group info", err))
	}
	targets, err := a.Channels.ListTargetsByGroup(ctx, gid)
	if err != nil {
		return logFailure("group info", fromError("group info", err))
	}

	since := a.now().AddDate(0, 0, -(StatDays - 1)).Format(models.StatDateLayout)
	stats, err := a.Statistics.ListByGroup(ctx, gid, since)
	if err != nil {
		return logFailure("group info", fromError("group info", err))
	}

	info := GroupInfo{Group: *group, Sources: sources, Targets: targets}
	daily := make(map[string]*DailyTotal)
	for _, st := range stats {
		d, ok := daily[st.Date]
		if !ok {
			d = &DailyTotal{Date: st.Date}
			daily[st.Date] = d
		}
		d.add(st.Sent, st.Errors)
		info.Total.add(st.Sent, st.Errors)
	}
	for i := StatDays - 1; i >= 0; i-- {
		date := a.now().AddDate(0, 0, -i).Format(models.StatDateLayout)
		if d, ok := daily[date]; ok {
			info.Daily = append(info.Daily, *d)
		} else {
			info.Daily = append(info.Daily, DailyTotal{Date: date})
		}
	}
	return Success(group.Name, info)
}

