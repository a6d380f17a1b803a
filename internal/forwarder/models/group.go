package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// GroupStatus 转发组展示状态，由调度扫描根据时间窗口翻转
type GroupStatus string

const (
	GroupStatusActive   GroupStatus = "active"
	GroupStatusInactive GroupStatus = "inactive"
)

// RuleType 自定义过滤规则类型
type RuleType string

const (
	RuleRegex      RuleType = "regex"
	RuleKeyword    RuleType = "keyword"
	RuleRemoveLine RuleType = "remove_line"
)

// FilterRule 自定义过滤规则，按声明顺序执行
type FilterRule struct {
	Type        RuleType `bson:"type" yaml:"type"`
	Pattern     string   `bson:"pattern" yaml:"pattern"`
	Replacement string   `bson:"replacement,omitempty" yaml:"replacement"`
}

// FilterConfig 转发组的过滤开关
type FilterConfig struct {
	RemoveLinks        bool         `bson:"remove_links"`
	RemoveEmoji        bool         `bson:"remove_emoji"`
	RemoveSpecialChars bool         `bson:"remove_special_chars"`
	AdDetection        bool         `bson:"ad_detection"`
	SmartFilter        bool         `bson:"smart_filter"`
	CustomRules        []FilterRule `bson:"custom_rules,omitempty"`
}

// DefaultFilterConfig 新建转发组的默认过滤配置
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		RemoveLinks:        true,
		RemoveEmoji:        true,
		RemoveSpecialChars: true,
		AdDetection:        true,
		SmartFilter:        true,
	}
}

// Schedule 时间窗口，格式 HH:MM，允许跨午夜（Start > End）
type Schedule struct {
	Start string `bson:"start"`
	End   string `bson:"end"`
}

// ForwardingGroup 转发组：一组源频道到一组目标频道
type ForwardingGroup struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Name      string             `bson:"name"`
	Enabled   bool               `bson:"enabled"`
	Status    GroupStatus        `bson:"status"`
	Schedule  *Schedule          `bson:"schedule,omitempty"` // nil 表示全天
	Filter    FilterConfig       `bson:"filter"`
	Footer    string             `bson:"footer,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}
