package repository

import (
	"context"
	"errors"
	"time"

	"tg_forwarder/internal/forwarder/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrDuplicate 唯一索引冲突
	ErrDuplicate = errors.New("duplicate")
)

// CredentialRepository API 凭据数据访问接口
type CredentialRepository interface {
	Create(ctx context.Context, cred *models.Credential) error
	Delete(ctx context.Context, id primitive.ObjectID) error
	List(ctx context.Context) ([]*models.Credential, error)
	UpdateUsed(ctx context.Context, id primitive.ObjectID, used int) error
	EnsureIndexes(ctx context.Context) error
}

// ConsumerRepository 监听账号/发送 Bot 数据访问接口
type ConsumerRepository interface {
	Create(ctx context.Context, consumer *models.Consumer) error
	Get(ctx context.Context, id primitive.ObjectID) (*models.Consumer, error)
	ListByKind(ctx context.Context, kind models.ConsumerKind) ([]*models.Consumer, error)
	UpdateHealth(ctx context.Context, id primitive.ObjectID, health models.Health, errorCount int) error
	UpdateBinding(ctx context.Context, id primitive.ObjectID, credentialID string) error
	MarkUsed(ctx context.Context, id primitive.ObjectID, at time.Time) error
	Delete(ctx context.Context, id primitive.ObjectID) error
	EnsureIndexes(ctx context.Context) error
}

// GroupRepository 转发组数据访问接口
type GroupRepository interface {
	Create(ctx context.Context, group *models.ForwardingGroup) error
	Get(ctx context.Context, id primitive.ObjectID) (*models.ForwardingGroup, error)
	List(ctx context.Context) ([]*models.ForwardingGroup, error)
	UpdateFilter(ctx context.Context, id primitive.ObjectID, filter models.FilterConfig, footer *string) error
	UpdateSchedule(ctx context.Context, id primitive.ObjectID, schedule *models.Schedule) error
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status models.GroupStatus) error
	SetEnabled(ctx context.Context, id primitive.ObjectID, enabled bool) error
	EnsureIndexes(ctx context.Context) error
}

// ChannelRepository 源/目标频道数据访问接口
type ChannelRepository interface {
	AddSource(ctx context.Context, source *models.SourceChannel) error
	AddTarget(ctx context.Context, target *models.TargetChannel) error
	ListSources(ctx context.Context) ([]*models.SourceChannel, error)
	ListSourcesByGroup(ctx context.Context, groupID primitive.ObjectID) ([]*models.SourceChannel, error)
	ListTargetsByGroup(ctx context.Context, groupID primitive.ObjectID) ([]*models.TargetChannel, error)
	AdvanceHighWater(ctx context.Context, sourceID primitive.ObjectID, messageID int64) error
	EnsureIndexes(ctx context.Context) error
}

// MessageRecordRepository 送达记录数据访问接口
type MessageRecordRepository interface {
	// Insert 写入记录，指纹重复视为成功
	Insert(ctx context.Context, record *models.MessageRecord) error
	Exists(ctx context.Context, fingerprint string) (bool, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	EnsureIndexes(ctx context.Context) error
}

// StatisticRepository 统计数据访问接口
type StatisticRepository interface {
	Increment(ctx context.Context, date string, groupID primitive.ObjectID, consumerID string, sent, errors int64) error
	ListByGroup(ctx context.Context, groupID primitive.ObjectID, sinceDate string) ([]*models.DailyStat, error)
	ListByDate(ctx context.Context, date string) ([]*models.DailyStat, error)
	DeleteBefore(ctx context.Context, beforeDate string) (int64, error)
	EnsureIndexes(ctx context.Context) error
}
