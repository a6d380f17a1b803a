package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SourceChannel 源频道，同一频道可属于多个转发组（每组一条记录）
type SourceChannel struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	GroupID       primitive.ObjectID `bson:"group_id"`
	ChannelID     int64              `bson:"channel_id"`
	Username      string             `bson:"username,omitempty"`
	Title         string             `bson:"title,omitempty"`
	LastMessageID int64              `bson:"last_message_id"` // 高水位，只增不减
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

// TargetChannel 目标频道
type TargetChannel struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	GroupID   primitive.ObjectID `bson:"group_id"`
	ChannelID int64              `bson:"channel_id"`
	Username  string             `bson:"username,omitempty"`
	Title     string             `bson:"title,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}
