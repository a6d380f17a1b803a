package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_forwarder/internal/forwarder/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MessageRecordTTL 送达记录在 Mongo 中的最长保留时间，日常清理按配置天数提前删除
const MessageRecordTTL = 90 * 24 * time.Hour

type messageRecordRepository struct {
	collection *mongo.Collection
}

// NewMessageRecordRepository 创建送达记录仓储
func NewMessageRecordRepository(db *mongo.Database) MessageRecordRepository {
	return &messageRecordRepository{
		collection: db.Collection("message_records"),
	}
}

// Insert 写入送达记录
func (r *messageRecordRepository) Insert(ctx context.Context, record *models.MessageRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	_, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		// 同一指纹已写入，说明是重试后的重复记录
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to insert message record: %w", err)
	}
	return nil
}

// Exists 指纹是否已送达
func (r *messageRecordRepository) Exists(ctx context.Context, fingerprint string) (bool, error) {
	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	err := r.collection.FindOne(ctx, bson.M{"fingerprint": fingerprint}, opts).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query message record: %w", err)
	}
	return true, nil
}

// DeleteBefore 删除早于指定时间的记录
func (r *messageRecordRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete message records: %w", err)
	}
	return result.DeletedCount, nil
}

// EnsureIndexes 确保索引存在
func (r *messageRecordRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// 指纹唯一索引（去重）
		{
			Keys:    bson.D{{Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		// TTL 索引
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(MessageRecordTTL / time.Second)),
		},
		{
			Keys: bson.D{
				{Key: "group_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for message_records: %w", err)
	}
	return nil
}
