package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tg_forwarder/internal/forwarder/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConsumerRepository MongoDB 实现
type MongoConsumerRepository struct {
	collection *mongo.Collection
}

// NewMongoConsumerRepository 创建身份仓储
func NewMongoConsumerRepository(db *mongo.Database) ConsumerRepository {
	return &MongoConsumerRepository{collection: db.Collection("consumers")}
}

// Create 创建监听账号或发送 Bot
func (r *MongoConsumerRepository) Create(ctx context.Context, consumer *models.Consumer) error {
	now := time.Now()
	if consumer.ID.IsZero() {
		consumer.ID = primitive.NewObjectID()
	}
	if consumer.Health == "" {
		consumer.Health = models.HealthUnbound
	}
	consumer.CreatedAt = now
	consumer.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, consumer); err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	return nil
}

// Get 获取单个身份
func (r *MongoConsumerRepository) Get(ctx context.Context, id primitive.ObjectID) (*models.Consumer, error) {
	var consumer models.Consumer
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&consumer)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("consumer %s: %w", id.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get consumer: %w", err)
	}
	return &consumer, nil
}

// ListByKind 按类型列出身份
func (r *MongoConsumerRepository) ListByKind(ctx context.Context, kind models.ConsumerKind) ([]*models.Consumer, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"kind": kind}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumers: %w", err)
	}
	defer cursor.Close(ctx)

	var consumers []*models.Consumer
	if err := cursor.All(ctx, &consumers); err != nil {
		return nil, fmt.Errorf("failed to decode consumers: %w", err)
	}
	return consumers, nil
}

// UpdateHealth 持久化健康状态与错误计数
func (r *MongoConsumerRepository) UpdateHealth(ctx context.Context, id primitive.ObjectID, health models.Health, errorCount int) error {
	return r.update(ctx, id, bson.M{
		"health":      health,
		"error_count": errorCount,
	})
}

// UpdateBinding 持久化凭据绑定，空字符串表示解绑
func (r *MongoConsumerRepository) UpdateBinding(ctx context.Context, id primitive.ObjectID, credentialID string) error {
	return r.update(ctx, id, bson.M{"credential_id": credentialID})
}

// MarkUsed 成功使用一次
func (r *MongoConsumerRepository) MarkUsed(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	update := bson.M{
		"$set": bson.M{"last_used_at": at, "updated_at": time.Now()},
		"$inc": bson.M{"message_count": 1},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to mark consumer used: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("consumer %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// Delete 删除身份
func (r *MongoConsumerRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete consumer: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("consumer %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

func (r *MongoConsumerRepository) update(ctx context.Context, id primitive.ObjectID, set bson.M) error {
	set["updated_at"] = time.Now()
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update consumer: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("consumer %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *MongoConsumerRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "kind", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "credential_id", Value: 1}},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for consumers: %w", err)
	}
	return nil
}
