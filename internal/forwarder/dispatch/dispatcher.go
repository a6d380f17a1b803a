// Package dispatch 发送队列：限速、轮换发送 Bot、按错误类型重试。
//
// 每个任务的处理顺序：小时上限 -> 随机间隔 -> 选择发送 Bot -> 发送。
// 限流错误按服务端给出的时长等待后在同一个 Bot 上重试，不计为失败；
// Forbidden/Unauthorized 立即挂起该 Bot 并换一个重试；
// 其他错误累计失败次数，达到阈值后挂起。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"tg_forwarder/internal/config"
	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/forwarder/rotation"
	"tg_forwarder/internal/forwarder/transport"
	"tg_forwarder/internal/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// MaxAttempts 非限流错误的最大尝试次数
	MaxAttempts = 5
	// NoSenderBackoff 没有可用 Bot 时的等待时长
	NoSenderBackoff = 30 * time.Second
)

// ErrClosed 发送队列已关闭
var ErrClosed = errors.New("dispatcher closed")

// Job 一次投递：一个批次的过滤结果发往一个目标频道
type Job struct {
	ID               string
	GroupID          primitive.ObjectID
	GroupName        string
	SourceID         primitive.ObjectID
	SourceChannelID  int64
	SourceMessageIDs []int64
	MaxMessageID     int64
	TargetChannelID  int64
	Key              string // 去重键
	Content          models.Outgoing
	EnqueuedAt       time.Time
}

// NewJob 创建带唯一 ID 的任务
func NewJob() Job {
	return Job{ID: uuid.NewString()}
}

// Delivery 投递成功的结果
type Delivery struct {
	Job      Job
	SenderID string
	Receipt  models.Receipt
	SentAt   time.Time
}

// Recorder 投递结果回调
type Recorder interface {
	// Delivered 送达，写入去重记录和统计
	Delivered(ctx context.Context, d Delivery)
	// Errored 单次发送失败（不含限流）
	Errored(ctx context.Context, job Job, senderID string, err error)
	// Abandoned 放弃任务（重试耗尽或关闭）
	Abandoned(ctx context.Context, job Job, err error)
}

// Stats 发送统计
type Stats struct {
	BotsTotal   int `json:"bots_total"`
	BotsActive  int `json:"bots_active"`
	HourlyCount int `json:"hourly_count"`
	HourlyLimit int `json:"hourly_limit"`
	QueueSize   int `json:"queue_size"`
	Workers     int `json:"workers"`
}

// Options 依赖项，Now/Sleep/Rand 可在测试中替换
type Options struct {
	Settings config.Source
	Rotator  *rotation.Rotator
	Recorder Recorder
	Health   HealthStore

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// Dispatcher 发送队列
type Dispatcher struct {
	settings config.Source
	rotator  *rotation.Rotator
	recorder Recorder
	senders  *registry

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rnd   func() float64

	hourly *hourlyCounter
	pacer  pacer

	queue   chan Job
	workers int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New 创建发送队列，队列大小和 worker 数量在创建时确定
func New(opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Rotator == nil {
		opts.Rotator = rotation.NewFixedRotator(rotation.Policy{Strategy: config.RotationMessage}, opts.Rand)
	}

	s := opts.Settings.Current()
	return &Dispatcher{
		settings: opts.Settings,
		rotator:  opts.Rotator,
		recorder: opts.Recorder,
		senders:  newRegistry(opts.Health),
		now:      opts.Now,
		sleep:    opts.Sleep,
		rnd:      opts.Rand,
		hourly:   newHourlyCounter(opts.Now()),
		queue:    make(chan Job, s.Dispatch.QueueSize),
		workers:  s.Dispatch.Workers,
		done:     make(chan struct{}),
	}
}

// AddSender 登记发送 Bot
func (d *Dispatcher) AddSender(consumer models.Consumer, sender transport.Sender) error {
	if err := d.senders.add(consumer, sender); err != nil {
		return err
	}
	logger.L().Infof("Sender registered: id=%s name=%s", consumer.Key(), consumer.Name)
	return nil
}

// RemoveSender 注销发送 Bot
func (d *Dispatcher) RemoveSender(id string) error {
	if !d.senders.remove(id) {
		return fmt.Errorf("%w: %s", ErrUnknownSender, id)
	}
	return nil
}

// ResumeSender 人工恢复挂起的发送 Bot
func (d *Dispatcher) ResumeSender(ctx context.Context, id string) error {
	return d.senders.resume(ctx, id)
}

// Senders 发送 Bot 状态
func (d *Dispatcher) Senders() []SenderStatus {
	return d.senders.snapshot()
}

// Enqueue 入队，队列满时阻塞
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = d.now()
	}

	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	select {
	case d.queue <- job:
		jobsQueued.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Start 启动 worker
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx, i)
	}
	logger.L().Infof("Dispatcher started with %d workers, queue size %d", d.workers, cap(d.queue))
}

// Stop 停止接收任务，worker 完成当前发送后退出，队列中剩余任务被放弃
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}

	close(d.done)
	cancel()
	d.wg.Wait()

	dropped := 0
drain:
	for {
		select {
		case job := <-d.queue:
			dropped++
			d.abandon(context.Background(), job, ErrClosed)
		default:
			break drain
		}
	}
	if dropped > 0 {
		logger.L().Warnf("Dispatcher dropped %d queued jobs on shutdown", dropped)
	}
	logger.L().Info("Dispatcher stopped")
}

// Stats 发送统计
func (d *Dispatcher) Stats() Stats {
	s := d.settings.Current()
	senders := d.senders.snapshot()
	active := 0
	for _, st := range senders {
		if st.Health.IsUsable() {
			active++
		}
	}
	return Stats{
		BotsTotal:   len(senders),
		BotsActive:  active,
		HourlyCount: d.hourly.Count(d.now()),
		HourlyLimit: s.Global.HourlyLimit,
		QueueSize:   len(d.queue),
		Workers:     d.workers,
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	logger.L().Debugf("Dispatch worker %d started", id)
	for {
		select {
		case <-ctx.Done():
			logger.L().Debugf("Dispatch worker %d stopped", id)
			return
		case job := <-d.queue:
			d.process(ctx, job)
		}
	}
}

// process 处理一个任务直到送达或放弃
func (d *Dispatcher) process(ctx context.Context, job Job) {
	log := logger.L().WithFields(logrus.Fields{
		"job":    job.ID,
		"group":  job.GroupName,
		"target": job.TargetChannelID,
	})

	attempts := 0
	pinned := ""
	var lastErr error

	for attempts < MaxAttempts {
		if ctx.Err() != nil {
			d.abandon(ctx, job, ErrClosed)
			return
		}
		s := d.settings.Current()

		ok, wait := d.hourly.Acquire(d.now(), s.Global.HourlyLimit)
		if !ok {
			log.Infof("Hourly limit %d reached, waiting %s", s.Global.HourlyLimit, wait)
			hourlyLimitWaits.Inc()
			if err := d.sleep(ctx, wait); err != nil {
				d.abandon(ctx, job, ErrClosed)
				return
			}
			continue
		}

		if pinned == "" {
			delay := d.pacer.Reserve(d.now(),
				time.Duration(s.Global.MinInterval)*time.Second,
				time.Duration(s.Global.MaxInterval)*time.Second,
				d.rnd)
			if err := d.sleep(ctx, delay); err != nil {
				d.hourly.Refund()
				d.abandon(ctx, job, ErrClosed)
				return
			}
		}

		senderID, sender, err := d.pick(pinned)
		if err != nil {
			d.hourly.Refund()
			attempts++
			lastErr = err
			log.Warnf("No sender available (attempt %d/%d)", attempts, MaxAttempts)
			if err := d.sleep(ctx, NoSenderBackoff); err != nil {
				d.abandon(ctx, job, ErrClosed)
				return
			}
			continue
		}
		pinned = ""

		receipt, err := d.send(sender, s.SendTimeout(), job)
		if err == nil {
			now := d.now()
			d.senders.success(ctx, senderID, now)
			d.rotator.Advance(now, d.senders.active())
			sendsTotal.WithLabelValues("ok").Inc()
			log.WithField("sender", senderID).Infof("Delivered %d message(s)", len(receipt.MessageIDs))
			if d.recorder != nil {
				d.recorder.Delivered(context.WithoutCancel(ctx), Delivery{
					Job:      job,
					SenderID: senderID,
					Receipt:  receipt,
					SentAt:   now,
				})
			}
			return
		}
		d.hourly.Refund()

		if te, throttled := transport.IsThrottled(err); throttled {
			sendsTotal.WithLabelValues("throttled").Inc()
			log.WithField("sender", senderID).Warnf("Throttled, retrying in %s", te.RetryAfter)
			if err := d.sleep(ctx, te.RetryAfter); err != nil {
				d.abandon(ctx, job, ErrClosed)
				return
			}
			pinned = senderID
			continue
		}

		attempts++
		lastErr = err
		sendsTotal.WithLabelValues(errorKind(err)).Inc()
		d.senders.failure(ctx, senderID, err, s.Rotation.ErrorThreshold)
		if d.recorder != nil {
			d.recorder.Errored(ctx, job, senderID, err)
		}
		log.WithField("sender", senderID).Warnf("Send failed (attempt %d/%d): %v", attempts, MaxAttempts, err)
	}

	d.abandon(ctx, job, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr))
}

// pick 选择发送 Bot；pinned 非空且仍可用时沿用
func (d *Dispatcher) pick(pinned string) (string, transport.Sender, error) {
	if pinned != "" {
		if s, ok := d.senders.get(pinned); ok {
			return pinned, s, nil
		}
	}
	for range MaxAttempts {
		id, ok := d.rotator.Pick(d.now(), d.senders.active())
		if !ok {
			return "", nil, ErrNoSender
		}
		if s, ok := d.senders.get(id); ok {
			return id, s, nil
		}
	}
	return "", nil, ErrNoSender
}

// send 单次发送带超时；关闭信号不打断已经开始的发送
func (d *Dispatcher) send(sender transport.Sender, timeout time.Duration, job Job) (models.Receipt, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return sender.Send(ctx, job.TargetChannelID, job.Content)
}

func (d *Dispatcher) abandon(ctx context.Context, job Job, err error) {
	jobsAbandoned.Inc()
	logger.L().Warnf("Abandoned job %s to %d: %v", job.ID, job.TargetChannelID, err)
	if d.recorder != nil {
		d.recorder.Abandoned(context.WithoutCancel(ctx), job, err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, transport.ErrForbidden):
		return "forbidden"
	case errors.Is(err, transport.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
