// Package ingest 负责订阅源频道、合并媒体组并把批次交给工作池处理。
package ingest

import (
	"context"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	postsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_ingest_posts_total",
		Help: "Posts received from subscribed source channels",
	})
	batchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forwarder_ingest_batches_total",
		Help: "Batches handed to the ingest worker pool",
	})
)

// Route 一个源频道在某个转发组中的绑定
type Route struct {
	Group  models.ForwardingGroup
	Source models.SourceChannel
}

// Handler 处理一个批次在某个转发组中的转发
type Handler interface {
	HandleBatch(ctx context.Context, route Route, batch models.Batch)
}

// ListenerProvider 监听账号来源（由 rotation.Controller 提供）
type ListenerProvider interface {
	Acquire() (string, transport.Listener, error)
}

// Options 接收层参数
type Options struct {
	Workers      int
	QueueSize    int
	SettleWindow func() time.Duration
	FlushOnStop  func() bool
}

// Status 监听状态快照
type Status struct {
	Channels       int `json:"channels"`
	Subscribed     int `json:"subscribed"`
	PendingBatches int `json:"pending_batches"`
	QueueLength    int `json:"queue_length"`
	Workers        int `json:"workers"`
}

// Ingestor 接收层：每个源频道只订阅一次，收到批次后扇出到所属的全部转发组
type Ingestor struct {
	provider ListenerProvider
	handler  Handler
	opts     Options

	batcher *Batcher
	workers *WorkerPool
	ctx     context.Context

	mu            sync.RWMutex
	routes        map[int64][]Route
	subscriptions map[int64]string // channel -> listener id

	subMu sync.Mutex // 串行化 subscribePending
}

// New 创建接收层
func New(provider ListenerProvider, handler Handler, opts Options) *Ingestor {
	in := &Ingestor{
		provider:      provider,
		handler:       handler,
		opts:          opts,
		routes:        make(map[int64][]Route),
		subscriptions: make(map[int64]string),
	}
	in.batcher = NewBatcher(opts.SettleWindow, in.onBatch)
	return in
}

// Start 启动工作池；工作池的生命周期由 Stop 控制，不随 ctx 取消
func (in *Ingestor) Start(ctx context.Context) {
	in.ctx = context.WithoutCancel(ctx)
	in.workers = NewWorkerPool(in.ctx, in.opts.Workers, in.opts.QueueSize)
}

// Stop 取消静默定时器，然后关闭工作池
// flush 策略下未完成的媒体组和队列中的批次会先处理完
func (in *Ingestor) Stop() {
	flush := in.opts.FlushOnStop != nil && in.opts.FlushOnStop()
	in.batcher.Stop(flush)
	if in.workers != nil {
		in.workers.Shutdown(flush)
	}
}

// Sync 根据当前启用的转发组重建路由，并为尚未订阅的频道建立订阅
func (in *Ingestor) Sync(ctx context.Context, groups []*models.ForwardingGroup, sources []*models.SourceChannel) {
	enabled := make(map[string]*models.ForwardingGroup, len(groups))
	for _, g := range groups {
		if g.Enabled {
			enabled[g.ID.Hex()] = g
		}
	}

	routes := make(map[int64][]Route)
	for _, s := range sources {
		g, ok := enabled[s.GroupID.Hex()]
		if !ok {
			continue
		}
		routes[s.ChannelID] = append(routes[s.ChannelID], Route{Group: *g, Source: *s})
	}

	in.mu.Lock()
	in.routes = routes
	for channelID := range in.subscriptions {
		if _, routed := routes[channelID]; !routed {
			// 传输层没有取消订阅能力，失去归属后旧回调投递的消息会被丢弃
			delete(in.subscriptions, channelID)
		}
	}
	in.mu.Unlock()

	in.subscribePending(ctx)
}

// ListenerActivated 有监听账号恢复可用，补订阅尚未覆盖的频道
func (in *Ingestor) ListenerActivated(ctx context.Context, _ string) {
	in.subscribePending(ctx)
}

// ListenerDeactivated 监听账号不可用，其负责的频道转交给其他账号
func (in *Ingestor) ListenerDeactivated(ctx context.Context, listenerID string) {
	in.mu.Lock()
	for channelID, owner := range in.subscriptions {
		if owner == listenerID {
			delete(in.subscriptions, channelID)
		}
	}
	in.mu.Unlock()

	in.subscribePending(ctx)
}

func (in *Ingestor) subscribePending(ctx context.Context) {
	in.subMu.Lock()
	defer in.subMu.Unlock()

	in.mu.RLock()
	var pending []int64
	for channelID := range in.routes {
		if _, ok := in.subscriptions[channelID]; !ok {
			pending = append(pending, channelID)
		}
	}
	in.mu.RUnlock()

	for _, channelID := range pending {
		listenerID, listener, err := in.provider.Acquire()
		if err != nil {
			logger.L().Warnf("No listener available for channel %d: %v", channelID, err)
			return
		}

		// 先登记归属，新回调从第一条消息起就能通过归属检查
		in.mu.Lock()
		_, routed := in.routes[channelID]
		if routed {
			in.subscriptions[channelID] = listenerID
		}
		in.mu.Unlock()
		if !routed {
			continue
		}

		if err := listener.Subscribe(ctx, channelID, in.sinkFor(listenerID)); err != nil {
			logger.L().Errorf("Failed to subscribe channel %d via listener %s: %v", channelID, listenerID, err)
			in.mu.Lock()
			if in.subscriptions[channelID] == listenerID {
				delete(in.subscriptions, channelID)
			}
			in.mu.Unlock()
			continue
		}
		logger.L().Infof("Subscribed channel %d via listener %s", channelID, listenerID)
	}
}

// sinkFor 绑定监听账号的传输层回调
func (in *Ingestor) sinkFor(listenerID string) func(models.Post) {
	return func(post models.Post) {
		in.onPost(listenerID, post)
	}
}

// onPost 只接收频道当前归属账号投递的消息，
// 已转交或已失去路由的频道在旧账号上的订阅不会被重复计入
func (in *Ingestor) onPost(listenerID string, post models.Post) {
	in.mu.RLock()
	_, routed := in.routes[post.ChannelID]
	owner := in.subscriptions[post.ChannelID]
	in.mu.RUnlock()
	if !routed {
		return
	}
	if owner != listenerID {
		logger.L().Debugf("Dropped post %d of channel %d from stale listener %s", post.MessageID, post.ChannelID, listenerID)
		return
	}
	postsReceived.Inc()
	in.batcher.Add(post)
}

// onBatch 批次完成，交给工作池扇出到各转发组
func (in *Ingestor) onBatch(batch models.Batch) {
	in.mu.RLock()
	routes := append([]Route(nil), in.routes[batch.ChannelID]...)
	in.mu.RUnlock()
	if len(routes) == 0 || in.workers == nil {
		return
	}

	batchesEmitted.Inc()
	err := in.workers.Submit(in.ctx, func(ctx context.Context) {
		for _, route := range routes {
			in.handler.HandleBatch(ctx, route, batch)
		}
	})
	if err != nil {
		logger.L().Warnf("Dropped batch from channel %d: %v", batch.ChannelID, err)
	}
}

// Status 监听状态
func (in *Ingestor) Status() Status {
	in.mu.RLock()
	st := Status{
		Channels:   len(in.routes),
		Subscribed: len(in.subscriptions),
	}
	in.mu.RUnlock()

	st.PendingBatches = in.batcher.Pending()
	if in.workers != nil {
		st.QueueLength = in.workers.Len()
		st.Workers = in.workers.Workers()
	}
	return st
}
