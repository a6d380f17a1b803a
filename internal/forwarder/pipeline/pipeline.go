// Package pipeline 把接收到的批次变成发送任务，并在送达后落库
package pipeline

import (
	"context"
	"strings"
	"time"

	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/ingest"
	"tg_forwarder/internal/forwarder/ledger"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/forwarder/schedule"
	"tg_forwarder/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var batchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "forwarder_pipeline_batches_total",
	Help: "Batches handled per group by outcome",
}, []string{"outcome"})

// Enqueuer 发送队列
type Enqueuer interface {
	Enqueue(ctx context.Context, job dispatch.Job) error
}

// Pipeline 去重 -> 时间窗口 -> 过滤 -> 入队；送达后写记录、推进高水位、更新统计
type Pipeline struct {
	channels  repository.ChannelRepository
	consumers repository.ConsumerRepository
	stats     repository.StatisticRepository
	ledger    *ledger.Ledger
	filter    *filter.Engine
	queue     Enqueuer
	now       func() time.Time
}

// New 创建处理流水线
func New(
	channels repository.ChannelRepository,
	consumers repository.ConsumerRepository,
	stats repository.StatisticRepository,
	l *ledger.Ledger,
	f *filter.Engine,
	queue Enqueuer,
) *Pipeline {
	return &Pipeline{
		channels:  channels,
		consumers: consumers,
		stats:     stats,
		ledger:    l,
		filter:    f,
		queue:     queue,
		now:       time.Now,
	}
}

// SetQueue 设置发送队列（发送队列依赖本对象作为回调，需要在创建后注入）
func (p *Pipeline) SetQueue(q Enqueuer) {
	p.queue = q
}

// HandleBatch 实现 ingest.Handler
func (p *Pipeline) HandleBatch(ctx context.Context, route ingest.Route, batch models.Batch) {
	group := route.Group
	log := logger.L().WithFields(logrus.Fields{
		"group":   group.Name,
		"channel": batch.ChannelID,
		"msgs":    len(batch.Posts),
	})

	if !group.Enabled || len(batch.Posts) == 0 {
		return
	}

	targets, err := p.channels.ListTargetsByGroup(ctx, group.ID)
	if err != nil {
		log.Errorf("Failed to load targets: %v", err)
		batchOutcomes.WithLabelValues("error").Inc()
		return
	}
	if len(targets) == 0 {
		log.Debug("Group has no targets")
		return
	}

	fp := ledger.Fingerprint(batch)
	var claimed []*models.TargetChannel
	var keys []string
	for _, t := range targets {
		key := ledger.Key(fp, t.ChannelID)
		ok, err := p.ledger.Claim(ctx, key)
		if err != nil {
			log.Errorf("Dedup check failed for target %d: %v", t.ChannelID, err)
			continue
		}
		if !ok {
			continue
		}
		claimed = append(claimed, t)
		keys = append(keys, key)
	}
	if len(claimed) == 0 {
		log.Debugf("Duplicate batch skipped: fp=%s", fp[:12])
		batchOutcomes.WithLabelValues("duplicate").Inc()
		return
	}
	release := func() {
		for _, k := range keys {
			p.ledger.Release(k)
		}
	}

	if !schedule.InWindow(p.now(), group.Schedule) {
		release()
		log.Debug("Outside schedule window, skipped")
		batchOutcomes.WithLabelValues("off_schedule").Inc()
		return
	}

	content, reason, ok := p.Render(group, batch)
	if !ok {
		release()
		log.Infof("Batch suppressed: reason=%s", reason)
		batchOutcomes.WithLabelValues("suppressed").Inc()
		p.advance(ctx, route.Source.ID, batch.MaxMessageID())
		return
	}

	for i, t := range claimed {
		job := dispatch.NewJob()
		job.GroupID = group.ID
		job.GroupName = group.Name
		job.SourceID = route.Source.ID
		job.SourceChannelID = batch.ChannelID
		job.SourceMessageIDs = batch.MessageIDs()
		job.MaxMessageID = batch.MaxMessageID()
		job.TargetChannelID = t.ChannelID
		job.Key = keys[i]
		job.Content = content

		if err := p.queue.Enqueue(ctx, job); err != nil {
			p.ledger.Release(keys[i])
			log.Errorf("Failed to enqueue job for target %d: %v", t.ChannelID, err)
			continue
		}
	}
	batchOutcomes.WithLabelValues("enqueued").Inc()
}

// Render 过滤批次内容
// 单条文本：过滤并追加小尾巴；媒体：过滤说明文字，小尾巴加在第一个媒体上。
// 任一说明文字被判定为广告或垃圾时整个批次不发送。
func (p *Pipeline) Render(group models.ForwardingGroup, batch models.Batch) (models.Outgoing, filter.Reason, bool) {
	var out models.Outgoing
	var texts []string

	for _, post := range batch.Posts {
		if post.Media == nil {
			if post.Text != "" {
				texts = append(texts, post.Text)
			}
			continue
		}
		caption := ""
		if post.Text != "" {
			res := p.filter.Apply(post.Text, group.Filter, "")
			if res.Suppressed && res.Reason != filter.ReasonEmpty {
				return models.Outgoing{}, res.Reason, false
			}
			caption = res.Text
		}
		out.Media = append(out.Media, models.OutgoingMedia{Media: *post.Media, Caption: caption})
	}

	if len(out.Media) > 0 {
		out.Media[0].Caption = filter.AppendFooter(out.Media[0].Caption, group.Footer)
		return out, filter.ReasonNone, true
	}

	if len(texts) == 0 {
		return models.Outgoing{}, filter.ReasonEmpty, false
	}
	res := p.filter.Apply(strings.Join(texts, "\n\n"), group.Filter, group.Footer)
	if res.Suppressed {
		return models.Outgoing{}, res.Reason, false
	}
	out.Text = res.Text
	return out, filter.ReasonNone, true
}

// Delivered 实现 dispatch.Recorder
func (p *Pipeline) Delivered(ctx context.Context, d dispatch.Delivery) {
	job := d.Job
	rec := &models.MessageRecord{
		Fingerprint:      job.Key,
		GroupID:          job.GroupID,
		SourceChannelID:  job.SourceChannelID,
		SourceMessageIDs: job.SourceMessageIDs,
		TargetChannelID:  job.TargetChannelID,
		TargetMessageIDs: d.Receipt.MessageIDs,
		SenderID:         d.SenderID,
		CreatedAt:        d.SentAt,
	}
	// 记录未写入时不推进高水位，消息已发出，统计照常累加
	if err := p.ledger.Record(ctx, rec); err != nil {
		logger.L().Errorf("Failed to record delivery of job %s, high-water mark not advanced: %v", job.ID, err)
	} else {
		p.advance(ctx, job.SourceID, job.MaxMessageID)
	}
	p.count(ctx, job, d.SenderID, 1, 0, d.SentAt)

	if oid, err := primitive.ObjectIDFromHex(d.SenderID); err == nil {
		if err := p.consumers.MarkUsed(ctx, oid, d.SentAt); err != nil {
			logger.L().Warnf("Failed to mark sender %s used: %v", d.SenderID, err)
		}
	}
}

// Errored 实现 dispatch.Recorder
func (p *Pipeline) Errored(ctx context.Context, job dispatch.Job, senderID string, _ error) {
	p.count(ctx, job, senderID, 0, 1, p.now())
}

// Abandoned 实现 dispatch.Recorder，放弃的任务允许以后重新投递
func (p *Pipeline) Abandoned(_ context.Context, job dispatch.Job, _ error) {
	p.ledger.Release(job.Key)
}

func (p *Pipeline) advance(ctx context.Context, sourceID primitive.ObjectID, messageID int64) {
	if sourceID.IsZero() || messageID <= 0 {
		return
	}
	if err := p.channels.AdvanceHighWater(ctx, sourceID, messageID); err != nil {
		logger.L().Warnf("Failed to advance high-water mark of source %s: %v", sourceID.Hex(), err)
	}
}

func (p *Pipeline) count(ctx context.Context, job dispatch.Job, senderID string, sent, errs int64, at time.Time) {
	date := at.Format(models.StatDateLayout)
	if err := p.stats.Increment(ctx, date, job.GroupID, senderID, sent, errs); err != nil {
		logger.L().Warnf("Failed to update statistics for group %s: %v", job.GroupName, err)
	}
}
