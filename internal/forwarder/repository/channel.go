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

// MongoChannelRepository 源频道与目标频道分别存放在两个集合
type MongoChannelRepository struct {
	sources *mongo.Collection
	targets *mongo.Collection
}

// NewMongoChannelRepository 创建频道仓储
func NewMongoChannelRepository(db *mongo.Database) ChannelRepository {
	return &MongoChannelRepository{
		sources: db.Collection("source_channels"),
		targets: db.Collection("target_channels"),
	}
}

// AddSource 为转发组添加源频道
func (r *MongoChannelRepository) AddSource(ctx context.Context, source *models.SourceChannel) error {
	now := time.Now()
	if source.ID.IsZero() {
		source.ID = primitive.NewObjectID()
	}
	source.CreatedAt = now
	source.UpdatedAt = now

	if _, err := r.sources.InsertOne(ctx, source); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("source channel %d already bound to group: %w", source.ChannelID, ErrDuplicate)
		}
		return fmt.Errorf("failed to add source channel: %w", err)
	}
	return nil
}

// AddTarget 为转发组添加目标频道
func (r *MongoChannelRepository) AddTarget(ctx context.Context, target *models.TargetChannel) error {
	if target.ID.IsZero() {
		target.ID = primitive.NewObjectID()
	}
	target.CreatedAt = time.Now()

	if _, err := r.targets.InsertOne(ctx, target); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("target channel %d already bound to group: %w", target.ChannelID, ErrDuplicate)
		}
		return fmt.Errorf("failed to add target channel: %w", err)
	}
	return nil
}

// ListSources 列出全部源频道
func (r *MongoChannelRepository) ListSources(ctx context.Context) ([]*models.SourceChannel, error) {
	return r.findSources(ctx, bson.M{})
}

// ListSourcesByGroup 列出转发组的源频道
func (r *MongoChannelRepository) ListSourcesByGroup(ctx context.Context, groupID primitive.ObjectID) ([]*models.SourceChannel, error) {
	return r.findSources(ctx, bson.M{"group_id": groupID})
}

func (r *MongoChannelRepository) findSources(ctx context.Context, filter bson.M) ([]*models.SourceChannel, error) {
	cursor, err := r.sources.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query source channels: %w", err)
	}
	defer cursor.Close(ctx)

	var sources []*models.SourceChannel
	if err := cursor.All(ctx, &sources); err != nil {
		return nil, fmt.Errorf("failed to decode source channels: %w", err)
	}
	return sources, nil
}

// ListTargetsByGroup 列出转发组的目标频道
func (r *MongoChannelRepository) ListTargetsByGroup(ctx context.Context, groupID primitive.ObjectID) ([]*models.TargetChannel, error) {
	cursor, err := r.targets.Find(ctx, bson.M{"group_id": groupID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to query target channels: %w", err)
	}
	defer cursor.Close(ctx)

	var targets []*models.TargetChannel
	if err := cursor.All(ctx, &targets); err != nil {
		return nil, fmt.Errorf("failed to decode target channels: %w", err)
	}
	return targets, nil
}

// AdvanceHighWater 推进高水位，$max 保证只增不减
func (r *MongoChannelRepository) AdvanceHighWater(ctx context.Context, sourceID primitive.ObjectID, messageID int64) error {
	update := bson.M{
		"$max": bson.M{"last_message_id": messageID},
		"$set": bson.M{"updated_at": time.Now()},
	}
	result, err := r.sources.UpdateOne(ctx, bson.M{"_id": sourceID}, update)
	if err != nil {
		return fmt.Errorf("failed to advance high water mark: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("source channel %s: %w", sourceID.Hex(), ErrNotFound)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *MongoChannelRepository) EnsureIndexes(ctx context.Context) error {
	unique := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "group_id", Value: 1},
				{Key: "channel_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "channel_id", Value: 1}},
		},
	}

	if _, err := r.sources.Indexes().CreateMany(ctx, unique); err != nil {
		return fmt.Errorf("failed to create indexes for source_channels: %w", err)
	}
	if _, err := r.targets.Indexes().CreateMany(ctx, unique); err != nil {
		return fmt.Errorf("failed to create indexes for target_channels: %w", err)
	}
	return nil
}
