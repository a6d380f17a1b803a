package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/logger"
)

// GroupTotal 单个转发组的当日汇总
type GroupTotal struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	DailyTotal
}

// ConsumerTotal 单个发送身份的当日汇总
type ConsumerTotal struct {
	ConsumerID string `json:"consumer_id"`
	DailyTotal
}

// StatisticsReport 按日统计
type StatisticsReport struct {
	Total     DailyTotal      `json:"total"`
	Groups    []GroupTotal    `json:"groups"`
	Consumers []ConsumerTotal `json:"consumers"`
}

// CleanupReport 过期数据清理结果
type CleanupReport struct {
	Before     string `json:"before"`
	Records    int64  `json:"records"`
	Statistics int64  `json:"statistics"`
}

// GetStatistics 指定日期的统计，date 为空时取当天
func (a *Admin) GetStatistics(ctx context.Context, date string) Result {
	date = strings.TrimSpace(date)
	if date == "" {
		date = a.today()
	} else if _, err := time.Parse(models.StatDateLayout, date); err != nil {
		return Failure(CodeInvalidArgument, "date must be YYYY-MM-DD, got %q", date)
	}

	stats, err := a.Statistics.ListByDate(ctx, date)
	if err != nil {
		return logFailure("statistics", fromError("statistics", err))
	}
	groups, err := a.Groups.List(ctx)
	if err != nil {
		return logFailure("statistics", fromError("statistics", err))
	}
	names := make(map[string]string, len(groups))
	for _, g := range groups {
		names[g.ID.Hex()] = g.Name
	}

	report := StatisticsReport{Total: DailyTotal{Date: date}}
	byGroup := make(map[string]*GroupTotal)
	byConsumer := make(map[string]*ConsumerTotal)
	for _, st := range stats {
		report.Total.add(st.Sent, st.Errors)

		gid := st.GroupID.Hex()
		g, ok := byGroup[gid]
		if !ok {
			g = &GroupTotal{GroupID: gid, Name: names[gid], DailyTotal: DailyTotal{Date: date}}
			byGroup[gid] = g
		}
		g.add(st.Sent, st.Errors)

		if st.ConsumerID == "" {
			continue
		}
		c, ok := byConsumer[st.ConsumerID]
		if !ok {
			c = &ConsumerTotal{ConsumerID: st.ConsumerID, DailyTotal: DailyTotal{Date: date}}
			byConsumer[st.ConsumerID] = c
		}
		c.add(st.Sent, st.Errors)
	}

	for _, g := range byGroup {
		report.Groups = append(report.Groups, *g)
	}
	sort.Slice(report.Groups, func(i, j int) bool { return report.Groups[i].Sent > report.Groups[j].Sent })
	for _, c := range byConsumer {
		report.Consumers = append(report.Consumers, *c)
	}
	sort.Slice(report.Consumers, func(i, j int) bool { return report.Consumers[i].Sent > report.Consumers[j].Sent })

	return Success(fmt.Sprintf("%s: %d sent, %d errors", date, report.Total.Sent, report.Total.Errors), report)
}

// CleanupOldData 删除超过保留天数的送达记录和统计
func (a *Admin) CleanupOldData(ctx context.Context) Result {
	days := a.Settings.Current().Security.LogRetentionDays
	if days <= 0 {
		return Success("retention disabled", CleanupReport{})
	}
	cutoff := a.now().AddDate(0, 0, -days)
	report := CleanupReport{Before: cutoff.Format(models.StatDateLayout)}

	n, err := a.Records.DeleteBefore(ctx, cutoff)
	if err != nil {
		return logFailure("cleanup", fromError("cleanup records", err))
	}
	report.Records = n

	n, err = a.Statistics.DeleteBefore(ctx, report.Before)
	if err != nil {
		return logFailure("cleanup", fromError("cleanup statistics", err))
	}
	report.Statistics = n

	logger.L().Infof("Cleanup finished: before=%s records=%d statistics=%d", report.Before, report.Records, report.Statistics)
	return Success(fmt.Sprintf("removed %d records and %d statistics", report.Records, report.Statistics), report)
}

// ListenerStatus 接收层状态
func (a *Admin) ListenerStatus() Result {
	st := a.Ingest.Status()
	return Success(fmt.Sprintf("%d/%d channels subscribed", st.Subscribed, st.Channels), st)
}

// DispatcherStats 发送队列状态
func (a *Admin) DispatcherStats() Result {
	st := a.Senders.Stats()
	return Success(fmt.Sprintf("%d/%d sent this hour", st.HourlyCount, st.HourlyLimit), st)
}

// AddAdKeywords 追加广告关键词
func (a *Admin) AddAdKeywords(keywords []string) Result {
	before := len(a.Filter.Keywords())
	total := a.Filter.AddKeywords(keywords...)
	return Success(fmt.Sprintf("%d keywords added, %d total", total-before, total), a.Filter.Keywords())
}

// PreviewFilter 用转发组的过滤配置试跑一段文本
func (a *Admin) PreviewFilter(ctx context.Context, groupID, text string) Result {
	gid, err := parseID("group", groupID)
	if err != nil {
		return fromError("preview", err)
	}
	group, err := a.Groups.Get(ctx, gid)
	if err != nil {
		return fromError("preview", err)
	}
	p := a.Filter.Preview(text, group.Filter)
	if p.Suppressed {
		return Success(fmt.Sprintf("suppressed: %s", p.Reason), p)
	}
	return Success(fmt.Sprintf("%d characters removed", p.Removed), p)
}
