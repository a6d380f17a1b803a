package ingest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/logger"
)

// pendingBatch 媒体组缓冲区
type pendingBatch struct {
	mu     sync.Mutex
	posts  []models.Post
	timer  *time.Timer
	gen    uint64 // 每次重置定时器递增，过期的定时器回调直接忽略
	closed bool
}

func (p *pendingBatch) has(messageID int64) bool {
	for _, existing := range p.posts {
		if existing.MessageID == messageID {
			return true
		}
	}
	return false
}

// Batcher 媒体组收集器：同一 grouped_id 的消息在静默窗口内到齐后作为一个批次发出
type Batcher struct {
	mu      sync.Mutex
	buffers map[string]*pendingBatch
	stopped bool

	window func() time.Duration
	emit   func(models.Batch)
}

// NewBatcher 创建收集器，window 在每次重置定时器时读取
func NewBatcher(window func() time.Duration, emit func(models.Batch)) *Batcher {
	return &Batcher{
		buffers: make(map[string]*pendingBatch),
		window:  window,
		emit:    emit,
	}
}

func batchKey(channelID int64, groupedID string) string {
	return fmt.Sprintf("%d:%s", channelID, groupedID)
}

// Add 添加消息；没有 grouped_id 的消息立即作为单条批次发出
func (b *Batcher) Add(post models.Post) {
	if post.GroupedID == "" {
		b.mu.Lock()
		stopped := b.stopped
		b.mu.Unlock()
		if !stopped {
			b.emit(models.Batch{ChannelID: post.ChannelID, Posts: []models.Post{post}})
		}
		return
	}

	key := batchKey(post.ChannelID, post.GroupedID)
	for {
		b.mu.Lock()
		if b.stopped {
			b.mu.Unlock()
			return
		}
		buf, exists := b.buffers[key]
		if !exists {
			buf = &pendingBatch{}
			b.buffers[key] = buf
			logger.L().Debugf("Created media group buffer: key=%s", key)
		}
		b.mu.Unlock()

		buf.mu.Lock()
		if buf.closed {
			// 与定时器回调竞争失败，缓冲区已被取走，重新创建
			buf.mu.Unlock()
			continue
		}
		if buf.has(post.MessageID) {
			buf.mu.Unlock()
			logger.L().Debugf("Ignored duplicate media group member: key=%s message=%d", key, post.MessageID)
			return
		}
		buf.posts = append(buf.posts, post)
		if buf.timer != nil {
			buf.timer.Stop()
		}
		buf.gen++
		gen := buf.gen
		buf.timer = time.AfterFunc(b.window(), func() {
			b.collect(key, buf, gen)
		})
		logger.L().Debugf("Added post to media group: key=%s total=%d", key, len(buf.posts))
		buf.mu.Unlock()
		return
	}
}

// collect 静默窗口到期，取出并发出批次
func (b *Batcher) collect(key string, buf *pendingBatch, gen uint64) {
	buf.mu.Lock()
	if buf.closed || buf.gen != gen {
		buf.mu.Unlock()
		return
	}
	buf.closed = true
	posts := buf.posts
	buf.mu.Unlock()

	b.mu.Lock()
	if b.buffers[key] == buf {
		delete(b.buffers, key)
	}
	b.mu.Unlock()

	if len(posts) == 0 {
		return
	}
	logger.L().Infof("Media group collection completed: key=%s count=%d", key, len(posts))
	b.emit(sortedBatch(posts))
}

// Pending 未完成的批次数量
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers)
}

// Stop 停止收集并取消全部定时器；flush 为 true 时发出未完成的批次，否则丢弃
func (b *Batcher) Stop(flush bool) {
	b.mu.Lock()
	b.stopped = true
	buffers := b.buffers
	b.buffers = make(map[string]*pendingBatch)
	b.mu.Unlock()

	var batches []models.Batch
	for _, buf := range buffers {
		buf.mu.Lock()
		if buf.timer != nil {
			buf.timer.Stop()
		}
		if !buf.closed && len(buf.posts) > 0 {
			batches = append(batches, sortedBatch(buf.posts))
		}
		buf.closed = true
		buf.mu.Unlock()
	}

	if !flush {
		if len(batches) > 0 {
			logger.L().Warnf("Discarded %d pending media groups on shutdown", len(batches))
		}
		return
	}
	for _, batch := range batches {
		b.emit(batch)
	}
	logger.L().Infof("Flushed %d pending media groups on shutdown", len(batches))
}

func sortedBatch(posts []models.Post) models.Batch {
	sorted := append([]models.Post(nil), posts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})
	return models.Batch{
		ChannelID: sorted[0].ChannelID,
		GroupedID: sorted[0].GroupedID,
		Posts:     sorted,
	}
}
