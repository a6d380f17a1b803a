package rotation

import (
	"time"

	"tg_forwarder/internal/config"
)

// Policy 轮换策略参数
type Policy struct {
	Strategy    string
	Quantum     time.Duration // time 策略的固定周期，同时是 smart 策略的最长停留
	MinDwell    time.Duration // smart 策略的最短停留
	Probability float64       // smart 策略在两者之间的轮换概率
}

// PolicyFrom 从配置快照构造策略
func PolicyFrom(s config.Settings) Policy {
	return Policy{
		Strategy:    s.Rotation.Strategy,
		Quantum:     time.Duration(s.Rotation.TimePerRotation) * time.Minute,
		MinDwell:    time.Duration(s.Rotation.MinDwell) * time.Minute,
		Probability: s.Rotation.Probability,
	}
}

// ShouldRotate 判断是否应切换到下一个身份。
// since 为当前身份开始服务的时间，rnd 返回 [0,1) 的随机数。
func (p Policy) ShouldRotate(now, since time.Time, rnd func() float64) bool {
	dwell := now.Sub(since)
	switch p.Strategy {
	case config.RotationTime:
		return dwell >= p.Quantum
	case config.RotationSmart:
		if dwell < p.MinDwell {
			return false
		}
		if dwell >= p.Quantum {
			return true
		}
		return rnd() < p.Probability
	default:
		return true
	}
}
