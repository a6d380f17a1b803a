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

// MongoGroupRepository MongoDB 实现
type MongoGroupRepository struct {
	collection *mongo.Collection
}

// NewMongoGroupRepository 创建转发组仓储
func NewMongoGroupRepository(db *mongo.Database) GroupRepository {
	return &MongoGroupRepository{collection: db.Collection("forwarding_groups")}
}

// Create 创建转发组
func (r *MongoGroupRepository) Create(ctx context.Context, group *models.ForwardingGroup) error {
	now := time.Now()
	if group.ID.IsZero() {
		group.ID = primitive.NewObjectID()
	}
	if group.Status == "" {
		group.Status = models.GroupStatusActive
	}
	group.CreatedAt = now
	group.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, group); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("group name %q already exists: %w", group.Name, ErrDuplicate)
		}
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

// Get 获取转发组
func (r *MongoGroupRepository) Get(ctx context.Context, id primitive.ObjectID) (*models.ForwardingGroup, error) {
	var group models.ForwardingGroup
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&group)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("group %s: %w", id.Hex(), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &group, nil
}

// List 列出所有转发组
func (r *MongoGroupRepository) List(ctx context.Context) ([]*models.ForwardingGroup, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer cursor.Close(ctx)

	var groups []*models.ForwardingGroup
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	return groups, nil
}

// UpdateFilter 更新过滤配置，footer 为 nil 时不修改页脚
func (r *MongoGroupRepository) UpdateFilter(ctx context.Context, id primitive.ObjectID, filter models.FilterConfig, footer *string) error {
	set := bson.M{"filter": filter}
	if footer != nil {
		set["footer"] = *footer
	}
	return r.update(ctx, id, bson.M{"$set": set})
}

// UpdateSchedule 更新时间窗口，nil 表示全天
func (r *MongoGroupRepository) UpdateSchedule(ctx context.Context, id primitive.ObjectID, schedule *models.Schedule) error {
	if schedule == nil {
		return r.update(ctx, id, bson.M{"$unset": bson.M{"schedule": ""}})
	}
	return r.update(ctx, id, bson.M{"$set": bson.M{"schedule": schedule}})
}

// UpdateStatus 更新展示状态
func (r *MongoGroupRepository) UpdateStatus(ctx context.Context, id primitive.ObjectID, status models.GroupStatus) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{"status": status}})
}

// SetEnabled 启用或停用转发组
func (r *MongoGroupRepository) SetEnabled(ctx context.Context, id primitive.ObjectID, enabled bool) error {
	return r.update(ctx, id, bson.M{"$set": bson.M{"enabled": enabled}})
}

func (r *MongoGroupRepository) update(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	set, _ := update["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
		update["$set"] = set
	}
	set["updated_at"] = time.Now()

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("group %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *MongoGroupRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "enabled", Value: 1}},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for forwarding_groups: %w", err)
	}
	return nil
}
