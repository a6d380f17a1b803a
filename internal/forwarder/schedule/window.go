// Package schedule 转发组时间窗口判断与定时任务
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tg_forwarder/internal/forwarder/models"
)

// ErrInvalidSchedule 时间格式错误（要求 HH:MM）
var ErrInvalidSchedule = errors.New("invalid schedule")

// Clock 一天中的分钟数
type Clock int

// ParseClock 解析 HH:MM
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSchedule, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidSchedule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidSchedule, s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// ClockOf 取时间的时分
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// Window 时间窗口，Start > End 表示跨午夜
type Window struct {
	Start Clock
	End   Clock
}

// NewWindow 解析并校验窗口
func NewWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Contains 两端均包含
func (w Window) Contains(now time.Time) bool {
	c := ClockOf(now)
	if w.Start <= w.End {
		return w.Start <= c && c <= w.End
	}
	return c >= w.Start || c <= w.End
}

// Validate 校验转发组的时间配置
func Validate(s *models.Schedule) error {
	if s == nil {
		return nil
	}
	_, err := NewWindow(s.Start, s.End)
	return err
}

// InWindow 转发组当前是否处于活动时间；无窗口视为全天
// 持久化的窗口无法解析时按全天处理
func InWindow(now time.Time, s *models.Schedule) bool {
	if s == nil {
		return true
	}
	w, err := NewWindow(s.Start, s.End)
	if err != nil {
		return true
	}
	return w.Contains(now)
}
