package telegram

import (
	"sync"

	"tg_forwarder/internal/logger"
)

// WorkerPool 命令执行工作池，Telegram 更新循环不被慢命令阻塞
type WorkerPool struct {
	taskQueue chan func()
	wg        sync.WaitGroup
	workers   int
}

// PoolStats 工作池状态
type PoolStats struct {
	Workers       int
	QueueLength   int
	QueueCapacity int
}

// NewWorkerPool 创建工作池
// workers: worker 协程数量
// queueSize: 任务队列大小
func NewWorkerPool(workers int, queueSize int) *WorkerPool {
	pool := &WorkerPool{
		taskQueue: make(chan func(), queueSize),
		workers:   workers,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	logger.L().Infof("Command worker pool started with %d workers, queue size %d", workers, queueSize)
	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.L().Errorf("Worker %d: task panic recovered: %v", id, r)
				}
			}()
			task()
		}()
	}
}

// Submit 提交任务，队列已满时丢弃并返回 false
func (p *WorkerPool) Submit(task func()) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		logger.L().Warnf("Command worker pool queue is full, task dropped")
		return false
	}
}

// Stats 工作池状态
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.workers,
		QueueLength:   len(p.taskQueue),
		QueueCapacity: cap(p.taskQueue),
	}
}

// Shutdown 关闭队列并等待正在执行的任务完成
func (p *WorkerPool) Shutdown() {
	close(p.taskQueue)
	p.wg.Wait()
	logger.L().Info("Command worker pool shut down")
}
