package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tg_forwarder/internal/forwarder/dispatch"
	"tg_forwarder/internal/forwarder/filter"
	"tg_forwarder/internal/forwarder/ingest"
	"tg_forwarder/internal/forwarder/ledger"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/repository"
	"tg_forwarder/internal/forwarder/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (q *captureQueue) Enqueue(_ context.Context, job dispatch.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) take() []dispatch.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type fixture struct {
	p      *Pipeline
	store  *memstore.Store
	queue  *captureQueue
	ledger *ledger.Ledger
	route  ingest.Route
}

func newFixture(t *testing.T, mutate func(*models.ForwardingGroup)) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()

	group := &models.ForwardingGroup{Name: "news", Enabled: true, Filter: models.DefaultFilterConfig()}
	if mutate != nil {
		mutate(group)
	}
	require.NoError(t, store.Groups().Create(ctx, group))

	source := &models.SourceChannel{GroupID: group.ID, ChannelID: -1001}
	require.NoError(t, store.Channels().AddSource(ctx, source))
	for _, target := range []int64{-2001, -2002} {
		require.NoError(t, store.Channels().AddTarget(ctx, &models.TargetChannel{GroupID: group.ID, ChannelID: target}))
	}

	l, err := ledger.New(store.Records(), 16)
	require.NoError(t, err)
	queue := &captureQueue{}
	p := New(store.Channels(), store.Consumers(), store.Statistics(), l, filter.NewEngine(), queue)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	return &fixture{
		p:      p,
		store:  store,
		queue:  queue,
		ledger: l,
		route:  ingest.Route{Group: *group, Source: *source},
	}
}

func textBatch(id int64, text string) models.Batch {
	return models.Batch{ChannelID: -1001, Posts: []models.Post{{ChannelID: -1001, MessageID: id, Text: text}}}
}

func TestHandleBatchFansOutToEveryTarget(t *testing.T) {
	f := newFixture(t, func(g *models.ForwardingGroup) { g.Footer = "来自频道" })

	f.p.HandleBatch(context.Background(), f.route, textBatch(10, "今日新闻"))

	jobs := f.queue.take()
	require.Len(t, jobs, 2)
	targets := []int64{jobs[0].TargetChannelID, jobs[1].TargetChannelID}
	assert.ElementsMatch(t, []int64{-2001, -2002}, targets)
	for _, j := range jobs {
		assert.Equal(t, "今日新闻\n\n来自频道", j.Content.Text)
		assert.Equal(t, int64(10), j.MaxMessageID)
		assert.Equal(t, f.route.Source.ID, j.SourceID)
		assert.NotEmpty(t, j.ID)
	}
	assert.NotEqual(t, jobs[0].Key, jobs[1].Key, "dedup keys are per target")
}

func TestHandleBatchSkipsInFlightAndDelivered(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	batch := textBatch(10, "今日新闻")

	f.p.HandleBatch(ctx, f.route, batch)
	jobs := f.queue.take()
	require.Len(t, jobs, 2)

	// 同一内容再次到达：仍在投递中
	f.p.HandleBatch(ctx, f.route, batch)
	assert.Empty(t, f.queue.take())

	// 第一个目标送达，第二个放弃
	f.p.Delivered(ctx, dispatch.Delivery{
		Job:      jobs[0],
		SenderID: primitive.NewObjectID().Hex(),
		Receipt:  models.Receipt{MessageIDs: []int64{556}},
		SentAt:   time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	})
	assert.Zero(t, f.ledger.Inflight())
	f.p.Abandoned(ctx, jobs[1], errors.New("gave up"))

	f.p.HandleBatch(ctx, f.route, batch)
	retry := f.queue.take()
	require.Len(t, retry, 1)
	assert.Equal(t, jobs[1].TargetChannelID, retry[0].TargetChannelID)
}

func TestHandleBatchOutsideScheduleReleasesClaims(t *testing.T) {
	f := newFixture(t, func(g *models.ForwardingGroup) {
		g.Schedule = &models.Schedule{Start: "20:00", End: "23:00"}
	})

	f.p.HandleBatch(context.Background(), f.route, textBatch(10, "今日新闻"))
	assert.Empty(t, f.queue.take())
	assert.Zero(t, f.ledger.Inflight())
}

func TestHandleBatchSuppressedAdvancesHighWater(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.p.HandleBatch(ctx, f.route, textBatch(42, "加微信 领取理财产品"))
	assert.Empty(t, f.queue.take())
	assert.Zero(t, f.ledger.Inflight())

	sources, err := f.store.Channels().ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, int64(42), sources[0].LastMessageID)
}

func TestHandleBatchEnqueueFailureReleases(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = dispatch.ErrClosed

	f.p.HandleBatch(context.Background(), f.route, textBatch(1, "今日新闻"))
	assert.Zero(t, f.ledger.Inflight())
}

func TestRenderMediaGroupPutsFooterOnFirstMember(t *testing.T) {
	f := newFixture(t, func(g *models.ForwardingGroup) { g.Footer = "来自频道" })
	batch := models.Batch{ChannelID: -1001, GroupedID: "g", Posts: []models.Post{
		{MessageID: 1, Media: &models.Media{Kind: models.MediaPhoto, FileID: "A"}},
		{MessageID: 2, Media: &models.Media{Kind: models.MediaVideo, FileID: "B"}, Text: "看 https://x.y/z"},
	}}

	out, _, ok := f.p.Render(f.route.Group, batch)
	require.True(t, ok)
	require.Len(t, out.Media, 2)
	assert.Equal(t, "来自频道", out.Media[0].Caption)
	assert.Equal(t, "看", out.Media[1].Caption)
	assert.Empty(t, out.Text)
}

func TestRenderMediaGroupSuppressedByAdCaption(t *testing.T) {
	f := newFixture(t, nil)
	batch := models.Batch{ChannelID: -1001, GroupedID: "g", Posts: []models.Post{
		{MessageID: 1, Media: &models.Media{Kind: models.MediaPhoto, FileID: "A"}},
		{MessageID: 2, Media: &models.Media{Kind: models.MediaPhoto, FileID: "B"}, Text: "客服 13812345678"},
	}}

	_, reason, ok := f.p.Render(f.route.Group, batch)
	assert.False(t, ok)
	assert.Equal(t, filter.ReasonAd, reason)
}

func TestRenderEmptyTextIsNothingToSend(t *testing.T) {
	f := newFixture(t, nil)
	_, reason, ok := f.p.Render(f.route.Group, textBatch(1, "@someone https://t.me/x"))
	assert.False(t, ok)
	assert.Equal(t, filter.ReasonEmpty, reason)
}

func TestDeliveredRecordsStatsAndHighWater(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sender := &models.Consumer{Kind: models.ConsumerSender, Name: "bot-a"}
	require.NoError(t, f.store.Consumers().Create(ctx, sender))

	f.p.HandleBatch(ctx, f.route, textBatch(77, "今日新闻"))
	jobs := f.queue.take()
	require.Len(t, jobs, 2)

	sentAt := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	f.p.Delivered(ctx, dispatch.Delivery{
		Job:      jobs[0],
		SenderID: sender.Key(),
		Receipt:  models.Receipt{MessageIDs: []int64{555}},
		SentAt:   sentAt,
	})
	f.p.Errored(ctx, jobs[1], sender.Key(), errors.New("timeout"))

	exists, err := f.store.Records().Exists(ctx, jobs[0].Key)
	require.NoError(t, err)
	assert.True(t, exists)

	stats, err := f.store.Statistics().ListByDate(ctx, "2024-05-01")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Sent)
	assert.Equal(t, int64(1), stats[0].Errors)
	assert.Equal(t, f.route.Group.ID, stats[0].GroupID)

	sources, err := f.store.Channels().ListSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(77), sources[0].LastMessageID)

	got, err := f.store.Consumers().Get(ctx, sender.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, int64(1), got.MessageCount)
}

// failingRecords 写入总是失败的送达记录存储
type failingRecords struct {
	repository.MessageRecordRepository
}

func (failingRecords) Insert(context.Context, *models.MessageRecord) error {
	return errors.New("write concern timeout")
}

func TestDeliveredKeepsHighWaterWhenRecordFails(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	l, err := ledger.New(failingRecords{f.store.Records()}, 16)
	require.NoError(t, err)
	f.p.ledger = l

	f.p.HandleBatch(ctx, f.route, textBatch(77, "今日新闻"))
	jobs := f.queue.take()
	require.Len(t, jobs, 2)

	f.p.Delivered(ctx, dispatch.Delivery{
		Job:      jobs[0],
		SenderID: primitive.NewObjectID().Hex(),
		Receipt:  models.Receipt{MessageIDs: []int64{556}},
		SentAt:   time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC),
	})
	assert.Zero(t, l.Inflight())

	sources, err := f.store.Channels().ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Zero(t, sources[0].LastMessageID, "high-water mark must not move without a record")

	exists, err := f.store.Records().Exists(ctx, jobs[0].Key)
	require.NoError(t, err)
	assert.False(t, exists)

	// 发送已完成，统计仍然计入
	stats, err := f.store.Statistics().ListByDate(ctx, "2024-05-01")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Sent)
}
