package rotation

import (
	"math/rand"
	"sync"
	"time"

	"tg_forwarder/internal/config"
)

// Rotator 在一组可用身份之间轮询，何时切换由策略决定
type Rotator struct {
	policy func() Policy
	rnd    func() float64

	mu      sync.Mutex
	current string
	pos     int
	since   time.Time
}

// NewRotator 创建跟随配置中 rotation 策略的轮换器，rnd 为空时使用 math/rand
func NewRotator(settings config.Source, rnd func() float64) *Rotator {
	return newRotator(func() Policy { return PolicyFrom(settings.Current()) }, rnd)
}

// NewFixedRotator 创建策略固定的轮换器，不受配置重载影响
func NewFixedRotator(policy Policy, rnd func() float64) *Rotator {
	return newRotator(func() Policy { return policy }, rnd)
}

// NewPerMessageRotator 每次成功使用后都切到下一个身份，发送机器人使用
func NewPerMessageRotator() *Rotator {
	return NewFixedRotator(Policy{Strategy: config.RotationMessage}, nil)
}

func newRotator(policy func() Policy, rnd func() float64) *Rotator {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Rotator{policy: policy, rnd: rnd}
}

// Pick 返回本次应使用的身份。
// 当前身份不在候选列表中（被挂起或移除）时按轮询顺序接替。
func (r *Rotator) Pick(now time.Time, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := indexOf(candidates, r.current); idx >= 0 {
		r.pos = idx
		return r.current, true
	}

	r.pos = r.pos % len(candidates)
	r.current = candidates[r.pos]
	r.since = now
	return r.current, true
}

// Advance 在一次成功使用后调用，按策略决定是否切到下一个候选
func (r *Rotator) Advance(now time.Time, candidates []string) {
	if len(candidates) == 0 {
		return
	}
	policy := r.policy()

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := indexOf(candidates, r.current)
	if idx >= 0 && !policy.ShouldRotate(now, r.since, r.rnd) {
		return
	}
	if idx < 0 {
		idx = r.pos - 1
	}
	r.pos = (idx + 1) % len(candidates)
	r.current = candidates[r.pos]
	r.since = now
}

// Current 当前身份
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func indexOf(list []string, v string) int {
	if v == "" {
		return -1
	}
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
