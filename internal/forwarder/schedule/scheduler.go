package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tg_forwarder/internal/forwarder/models"
	"tg_forwarder/internal/logger"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// SweepSpec 状态扫描：每分钟
	SweepSpec = "* * * * *"
	// RetentionSpec 数据清理：每天 02:00
	RetentionSpec = "0 2 * * *"
	// DefaultJobTimeout 单次任务超时
	DefaultJobTimeout = 5 * time.Minute
)

// Job 定时任务
type Job func(ctx context.Context) error

// Scheduler 基于 cron 的定时任务，Stop 时等待正在执行的任务结束
type Scheduler struct {
	mu       sync.Mutex
	c        *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	location *time.Location
}

// NewScheduler 创建调度器，location 为空时使用本地时区
func NewScheduler(location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		c:        cron.New(cron.WithParser(parser), cron.WithLocation(location)),
		location: location,
	}
}

// Add 注册任务；同一任务上一次未结束时跳过本次
func (s *Scheduler) Add(name, spec string, timeout time.Duration, job Job) error {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		s.mu.Lock()
		parent := s.ctx
		s.mu.Unlock()
		if parent == nil || parent.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			logger.L().Errorf("Scheduled job %s failed: %v", name, err)
			return
		}
		logger.L().Debugf("Scheduled job %s finished in %s", name, time.Since(start))
	}))

	if _, err := s.c.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("failed to add job %s (%s): %w", name, spec, err)
	}
	logger.L().Infof("Scheduled job registered: name=%s spec=%q", name, spec)
	return nil
}

// Start 启动调度
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
	logger.L().Infof("Scheduler started (tz=%s)", s.location)
}

// Stop 停止调度并等待正在执行的任务
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	<-s.c.Stop().Done()
	cancel()
	logger.L().Info("Scheduler stopped")
}

// GroupStore 状态扫描所需的转发组存取
type GroupStore interface {
	List(ctx context.Context) ([]*models.ForwardingGroup, error)
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status models.GroupStatus) error
}

// StatusSweep 按时间窗口翻转转发组的展示状态
// 只影响展示，实际是否转发由每条消息的 InWindow 判断
func StatusSweep(groups GroupStore, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		list, err := groups.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list groups: %w", err)
		}

		t := now()
		for _, g := range list {
			if !g.Enabled {
				continue
			}
			want := models.GroupStatusInactive
			if InWindow(t, g.Schedule) {
				want = models.GroupStatusActive
			}
			if g.Status == want {
				continue
			}
			if err := groups.UpdateStatus(ctx, g.ID, want); err != nil {
				logger.L().Errorf("Failed to update status of group %s: %v", g.Name, err)
				continue
			}
			logger.L().Infof("Group %s status changed: %s -> %s", g.Name, g.Status, want)
		}
		return nil
	}
}
