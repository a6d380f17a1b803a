package dispatch

import (
	"sync"
	"time"
)

// HourlyWindow 小时计数周期，从进程启动开始滚动，不对齐整点
const HourlyWindow = time.Hour

// hourlyCounter 每小时发送上限
// 发送前占用一个名额，失败时退还，只统计成功的发送
type hourlyCounter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

func newHourlyCounter(start time.Time) *hourlyCounter {
	return &hourlyCounter{windowStart: start}
}

// roll 跨过周期边界时清零
func (c *hourlyCounter) roll(now time.Time) {
	if elapsed := now.Sub(c.windowStart); elapsed >= HourlyWindow {
		periods := elapsed / HourlyWindow
		c.windowStart = c.windowStart.Add(periods * HourlyWindow)
		c.count = 0
	}
}

// Acquire 占用名额；已满时返回距下次清零的时间
func (c *hourlyCounter) Acquire(now time.Time, limit int) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	if limit > 0 && c.count >= limit {
		return false, c.windowStart.Add(HourlyWindow).Sub(now)
	}
	c.count++
	return true, 0
}

// Refund 退还名额
func (c *hourlyCounter) Refund() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		c.count--
	}
}

// Count 当前周期已发送数量
func (c *hourlyCounter) Count(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	return c.count
}

// pacer 发送间隔：相邻两次发送之间等待 [min, max] 内的随机时长
type pacer struct {
	mu     sync.Mutex
	nextAt time.Time
}

// Reserve 预约下一个发送时间点，返回需要等待的时长
func (p *pacer) Reserve(now time.Time, min, max time.Duration, rnd func() float64) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := now
	if p.nextAt.After(now) {
		slot = p.nextAt
	}
	gap := min
	if max > min {
		gap += time.Duration(rnd() * float64(max-min))
	}
	p.nextAt = slot.Add(gap)
	return slot.Sub(now)
}
