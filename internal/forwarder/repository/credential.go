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

// MongoCredentialRepository MongoDB 实现
type MongoCredentialRepository struct {
	collection *mongo.Collection
}

// NewMongoCredentialRepository 创建凭据仓储
func NewMongoCredentialRepository(db *mongo.Database) CredentialRepository {
	return &MongoCredentialRepository{collection: db.Collection("api_credentials")}
}

// Create 创建凭据
func (r *MongoCredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	now := time.Now()
	if cred.ID.IsZero() {
		cred.ID = primitive.NewObjectID()
	}
	if cred.Status == "" {
		cred.Status = models.CredentialActive
	}
	cred.CreatedAt = now
	cred.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, cred); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("credential app_id %s already exists: %w", cred.AppID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// Delete 删除凭据
func (r *MongoCredentialRepository) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("credential %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// List 按创建顺序列出凭据，顺序决定池内分配的平局规则
func (r *MongoCredentialRepository) List(ctx context.Context) ([]*models.Credential, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer cursor.Close(ctx)

	var creds []*models.Credential
	if err := cursor.All(ctx, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}

// UpdateUsed 持久化池内计算出的占用数
func (r *MongoCredentialRepository) UpdateUsed(ctx context.Context, id primitive.ObjectID, used int) error {
	update := bson.M{"$set": bson.M{"used": used, "updated_at": time.Now()}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update credential usage: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("credential %s: %w", id.Hex(), ErrNotFound)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *MongoCredentialRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "app_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "created_at", Value: 1}},
		},
	}
	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes for api_credentials: %w", err)
	}
	return nil
}
