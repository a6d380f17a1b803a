package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConsumerKind 身份类型
type ConsumerKind string

const (
	ConsumerListener ConsumerKind = "listener" // 监听账号，占用 API 凭据
	ConsumerSender   ConsumerKind = "sender"   // 发送 Bot
)

// Health 身份健康状态
type Health string

const (
	HealthUnbound    Health = "unbound"
	HealthConnecting Health = "connecting"
	HealthActive     Health = "active"
	HealthDegraded   Health = "degraded"
	HealthSuspended  Health = "suspended"
)

// Consumer 监听账号或发送 Bot
type Consumer struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Kind         ConsumerKind       `bson:"kind"`
	Name         string             `bson:"name"`
	Phone        string             `bson:"phone,omitempty"`
	Token        string             `bson:"token,omitempty"`
	Username     string             `bson:"username,omitempty"`
	CredentialID string             `bson:"credential_id,omitempty"` // 仅监听账号
	Health       Health             `bson:"health"`
	ErrorCount   int                `bson:"error_count"`
	MessageCount int64              `bson:"message_count"`
	LastUsedAt   *time.Time         `bson:"last_used_at,omitempty"`
	CreatedAt    time.Time          `bson:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at"`
}

// Key 运行时标识
func (c *Consumer) Key() string {
	return c.ID.Hex()
}

// IsUsable 是否可以承担流量
func (h Health) IsUsable() bool {
	return h == HealthActive
}
