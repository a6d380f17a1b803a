package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// 轮换策略
const (
	RotationMessage = "message"
	RotationTime    = "time"
	RotationSmart   = "smart"
)

// 关闭时未完成批次的处理方式
const (
	ShutdownDiscard = "discard"
	ShutdownFlush   = "flush"
)

// Settings 转发引擎的可调参数，对应 config.yaml
type Settings struct {
	Global   GlobalSettings   `yaml:"global_settings"`
	Rotation RotationSettings `yaml:"rotation"`
	Ingest   IngestSettings   `yaml:"ingest"`
	Dispatch DispatchSettings `yaml:"dispatch"`
	Security SecuritySettings `yaml:"security"`
}

// GlobalSettings 发送节奏
type GlobalSettings struct {
	MinInterval int `yaml:"min_interval"` // 秒
	MaxInterval int `yaml:"max_interval"` // 秒
	HourlyLimit int `yaml:"hourly_limit"`
	SendTimeout int `yaml:"send_timeout"` // 秒
}

// RotationSettings 身份轮换与健康检查
type RotationSettings struct {
	Strategy        string  `yaml:"strategy"`
	TimePerRotation int     `yaml:"time_per_rotation"` // 分钟
	MinDwell        int     `yaml:"min_dwell"`         // 分钟
	Probability     float64 `yaml:"probability"`
	HealthInterval  int     `yaml:"health_interval"` // 秒
	ErrorThreshold  int     `yaml:"error_threshold"`
}

// IngestSettings 接收与批处理
type IngestSettings struct {
	SettleWindow   int    `yaml:"settle_window"` // 秒
	Workers        int    `yaml:"workers"`
	QueueSize      int    `yaml:"queue_size"`
	ShutdownPolicy string `yaml:"shutdown_policy"`
}

// DispatchSettings 发送队列
type DispatchSettings struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// SecuritySettings 数据保留
type SecuritySettings struct {
	LogRetentionDays int `yaml:"log_retention_days"`
}

// DefaultSettings 返回默认配置
func DefaultSettings() Settings {
	return Settings{
		Global: GlobalSettings{
			MinInterval: 3,
			MaxInterval: 30,
			HourlyLimit: 50,
			SendTimeout: 30,
		},
		Rotation: RotationSettings{
			Strategy:        RotationMessage,
			TimePerRotation: 30,
			MinDwell:        10,
			Probability:     0.1,
			HealthInterval:  60,
			ErrorThreshold:  5,
		},
		Ingest: IngestSettings{
			SettleWindow:   5,
			Workers:        3,
			QueueSize:      1000,
			ShutdownPolicy: ShutdownDiscard,
		},
		Dispatch: DispatchSettings{
			Workers:   2,
			QueueSize: 1000,
		},
		Security: SecuritySettings{
			LogRetentionDays: 30,
		},
	}
}

// Validate 校验配置取值范围
func (s *Settings) Validate() error {
	g := s.Global
	if g.MinInterval < 0 {
		return fmt.Errorf("global_settings.min_interval must be >= 0, got %d", g.MinInterval)
	}
	if g.MaxInterval < g.MinInterval {
		return fmt.Errorf("global_settings.max_interval (%d) must be >= min_interval (%d)", g.MaxInterval, g.MinInterval)
	}
	if g.HourlyLimit < 1 {
		return fmt.Errorf("global_settings.hourly_limit must be >= 1, got %d", g.HourlyLimit)
	}
	if g.SendTimeout < 1 {
		return fmt.Errorf("global_settings.send_timeout must be >= 1, got %d", g.SendTimeout)
	}

	r := s.Rotation
	switch r.Strategy {
	case RotationMessage, RotationTime, RotationSmart:
	default:
		return fmt.Errorf("rotation.strategy must be one of message|time|smart, got %q", r.Strategy)
	}
	if r.TimePerRotation < 1 {
		return fmt.Errorf("rotation.time_per_rotation must be >= 1, got %d", r.TimePerRotation)
	}
	if r.MinDwell < 0 || r.MinDwell > r.TimePerRotation {
		return fmt.Errorf("rotation.min_dwell must be within [0, time_per_rotation], got %d", r.MinDwell)
	}
	if r.Probability < 0 || r.Probability > 1 {
		return fmt.Errorf("rotation.probability must be within [0, 1], got %v", r.Probability)
	}
	if r.HealthInterval < 1 {
		return fmt.Errorf("rotation.health_interval must be >= 1, got %d", r.HealthInterval)
	}
	if r.ErrorThreshold < 1 {
		return fmt.Errorf("rotation.error_threshold must be >= 1, got %d", r.ErrorThreshold)
	}

	in := s.Ingest
	if in.SettleWindow < 1 {
		return fmt.Errorf("ingest.settle_window must be >= 1, got %d", in.SettleWindow)
	}
	if in.Workers < 1 || in.QueueSize < 1 {
		return errors.New("ingest.workers and ingest.queue_size must be >= 1")
	}
	if in.ShutdownPolicy != ShutdownDiscard && in.ShutdownPolicy != ShutdownFlush {
		return fmt.Errorf("ingest.shutdown_policy must be discard|flush, got %q", in.ShutdownPolicy)
	}

	if s.Dispatch.Workers < 1 || s.Dispatch.QueueSize < 1 {
		return errors.New("dispatch.workers and dispatch.queue_size must be >= 1")
	}
	if s.Security.LogRetentionDays < 1 {
		return fmt.Errorf("security.log_retention_days must be >= 1, got %d", s.Security.LogRetentionDays)
	}
	return nil
}

// SettleWindow 批次静默窗口
func (s Settings) SettleWindow() time.Duration {
	return time.Duration(s.Ingest.SettleWindow) * time.Second
}

// SendTimeout 单次发送超时
func (s Settings) SendTimeout() time.Duration {
	return time.Duration(s.Global.SendTimeout) * time.Second
}

// HealthInterval 健康检查周期
func (s Settings) HealthInterval() time.Duration {
	return time.Duration(s.Rotation.HealthInterval) * time.Second
}

// decodeYAML 严格解析，未知字段视为配置错误
func decodeYAML(data []byte, out *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
