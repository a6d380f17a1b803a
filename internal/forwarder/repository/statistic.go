package repository

import (
	"context"
	"fmt"
	"time"

	"tg_forwarder/internal/forwarder/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type statisticRepository struct {
	collection *mongo.Collection
}

// NewStatisticRepository 创建统计仓储
func NewStatisticRepository(db *mongo.Database) StatisticRepository {
	return &statisticRepository{collection: db.Collection("statistics")}
}

// Increment 累加某天某组某身份的计数
func (r *statisticRepository) Increment(ctx context.Context, date string, groupID primitive.ObjectID, consumerID string, sent, errors int64) error {
	filter := bson.M{
		"date":        date,
		"group_id":    groupID,
		"consumer_id": consumerID,
	}
	update := bson.M{
		"$inc": bson.M{"sent": sent, "errors": errors},
		"$set": bson.M{"updated_at": time.Now()},
	}

	if _, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to increment statistics: %w", err)
	}
	return nil
}

// ListByGroup 转发组自 sinceDate（含）以来的统计
func (r *statisticRepository) ListByGroup(ctx context.Context, groupID primitive.ObjectID, sinceDate string) ([]*models.DailyStat, error) {
	filter := bson.M{
		"group_id": groupID,
		"date":     bson.M{"$gte": sinceDate},
	}
	return r.find(ctx, filter)
}

// ListByDate 某天的全部统计
func (r *statisticRepository) ListByDate(ctx context.Context, date string) ([]*models.DailyStat, error) {
	return r.find(ctx, bson.M{"date": date})
}

func (r *statisticRepository) find(ctx context.Context, filter bson.M) ([]*models.DailyStat, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer cursor.Close(ctx)

	var stats []*models.DailyStat
	if err := cursor.All(ctx, &stats); err != nil {
		return nil, fmt.Errorf("failed to decode statistics: %w", err)
	}
	return stats, nil
}

// DeleteBefore 删除早于 beforeDate 的统计
func (r *statisticRepository) DeleteBefore(ctx context.Context, beforeDate string) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"date": bson.M{"$lt": beforeDate}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete statistics: %w", err)
	}
	return result.DeletedCount, nil
}

// EnsureIndexes 确保索引存在
func (r *statisticRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "date", Value: 1},
				{Key: "group_id", Value: 1},
				{Key: "consumer_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "group_id", Value: 1},
				{Key: "date", Value: 1},
			},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for statistics: %w", err)
	}
	return nil
}
