package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MediaKind 媒体类型
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
)

// Media 消息附带的媒体
type Media struct {
	Kind   MediaKind
	FileID string
}

// Post 从源频道接收到的一条消息
type Post struct {
	ChannelID int64
	MessageID int64
	GroupedID string // 相册/媒体组标识，空表示单条消息
	Sequence  int    // 组内顺序
	FromID    int64
	Text      string
	Media     *Media
	Date      time.Time
}

// Batch 一次处理的单元：单条消息或一个完整的媒体组（按 Sequence 排序）
type Batch struct {
	ChannelID int64
	GroupedID string
	Posts     []Post
}

// MaxMessageID 批次中最大的消息 ID，用于推进高水位
func (b Batch) MaxMessageID() int64 {
	var max int64
	for _, p := range b.Posts {
		if p.MessageID > max {
			max = p.MessageID
		}
	}
	return max
}

// MessageIDs 批次中全部消息 ID
func (b Batch) MessageIDs() []int64 {
	ids := make([]int64, 0, len(b.Posts))
	for _, p := range b.Posts {
		ids = append(ids, p.MessageID)
	}
	return ids
}

// Outgoing 过滤后待发送的内容
type Outgoing struct {
	Text  string
	Media []OutgoingMedia
}

// OutgoingMedia 待发送媒体，Caption 仅首个元素携带
type OutgoingMedia struct {
	Media
	Caption string
}

// IsEmpty 没有可发送的内容
func (o Outgoing) IsEmpty() bool {
	return o.Text == "" && len(o.Media) == 0
}

// Receipt 发送成功后的回执
type Receipt struct {
	MessageIDs []int64
}

// MessageRecord 已送达记录，Fingerprint 唯一且只写一次
type MessageRecord struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	Fingerprint      string             `bson:"fingerprint"`
	GroupID          primitive.ObjectID `bson:"group_id"`
	SourceChannelID  int64              `bson:"source_channel_id"`
	SourceMessageIDs []int64            `bson:"source_message_ids"`
	TargetChannelID  int64              `bson:"target_channel_id"`
	TargetMessageIDs []int64            `bson:"target_message_ids,omitempty"`
	SenderID         string             `bson:"sender_id"`
	CreatedAt        time.Time          `bson:"created_at"`
}

// DailyStat 按天、转发组、身份聚合的统计
type DailyStat struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Date       string             `bson:"date"` // 2006-01-02
	GroupID    primitive.ObjectID `bson:"group_id"`
	ConsumerID string             `bson:"consumer_id"`
	Sent       int64              `bson:"sent"`
	Errors     int64              `bson:"errors"`
	UpdatedAt  time.Time          `bson:"updated_at"`
}

// SuccessRate 成功率（0-1）
func (s DailyStat) SuccessRate() float64 {
	total := s.Sent + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Sent) / float64(total)
}

// StatDateLayout 统计日期格式
const StatDateLayout = "2006-01-02"
