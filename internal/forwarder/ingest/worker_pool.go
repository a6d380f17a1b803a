package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"tg_forwarder/internal/logger"
)

// ErrPoolClosed 工作池已关闭
var ErrPoolClosed = errors.New("worker pool closed")

// Task 工作池任务
type Task func(ctx context.Context)

// WorkerPool 固定数量的 worker 读取有界队列
// 队列满时 Submit 阻塞，不丢弃任务
type WorkerPool struct {
	queue   chan Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers int
	drain   atomic.Bool
}

// NewWorkerPool 创建并启动工作池
// workers: worker 协程数量
// queueSize: 任务队列大小
func NewWorkerPool(parent context.Context, workers int, queueSize int) *WorkerPool {
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		queue:   make(chan Task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	logger.L().Infof("Ingest worker pool started with %d workers, queue size %d", workers, queueSize)
	return pool
}

// worker 工作协程，当前任务执行完后才检查退出信号
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	logger.L().Debugf("Ingest worker %d started", id)
	for {
		select {
		case <-p.ctx.Done():
			if p.drain.Load() {
				p.drainQueue(id)
			}
			logger.L().Debugf("Ingest worker %d stopped", id)
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *WorkerPool) drainQueue(id int) {
	for {
		select {
		case task := <-p.queue:
			p.run(id, task)
		default:
			return
		}
	}
}

func (p *WorkerPool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Errorf("Ingest worker %d: task panic recovered: %v", id, r)
		}
	}()
	// 关闭信号不中断正在执行的任务
	task(context.WithoutCancel(p.ctx))
}

// Submit 提交任务，队列满时阻塞直到有空位、ctx 取消或工作池关闭
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolClosed
	default:
	}

	select {
	case p.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Len 队列中等待的任务数
func (p *WorkerPool) Len() int {
	return len(p.queue)
}

// Workers worker 数量
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Shutdown 停止工作池：正在执行的任务完成后 worker 退出
// drain 为 true 时先执行完队列中的剩余任务，否则放弃
func (p *WorkerPool) Shutdown(drain bool) {
	logger.L().Info("Shutting down ingest worker pool...")
	p.drain.Store(drain)
	p.cancel()
	p.wg.Wait()
	if n := len(p.queue); n > 0 {
		logger.L().Warnf("Ingest worker pool dropped %d queued tasks", n)
	}
	logger.L().Info("Ingest worker pool shut down successfully")
}
