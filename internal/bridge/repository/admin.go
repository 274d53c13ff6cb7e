package repository

import (
	"context"
	"errors"
	"time"

	"dc_bridge/internal/bridge/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAdminRepository 管理员数据访问层（MongoDB 实现）
type MongoAdminRepository struct {
	collection *mongo.Collection
}

// NewMongoAdminRepository 创建管理员 Repository
func NewMongoAdminRepository(db *mongo.Database) *MongoAdminRepository {
	return &MongoAdminRepository{
		collection: db.Collection("admins"),
	}
}

// Add 添加管理员
func (r *MongoAdminRepository) Add(ctx context.Context, contactID int64) error {
	filter := bson.M{"contact_id": contactID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"contact_id": contactID,
			"created_at": time.Now(),
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := r.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return models.NewStorageError("failed to add admin", err)
	}
	return nil
}

// IsAdmin 是否为管理员
func (r *MongoAdminRepository) IsAdmin(ctx context.Context, contactID int64) (bool, error) {
	var admin models.Admin
	err := r.collection.FindOne(ctx, bson.M{"contact_id": contactID}).Decode(&admin)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, models.NewStorageError("failed to check admin", err)
	}
	return true, nil
}

// Remove 移除管理员
func (r *MongoAdminRepository) Remove(ctx context.Context, contactID int64) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"contact_id": contactID}); err != nil {
		return models.NewStorageError("failed to remove admin", err)
	}
	return nil
}

// List 列出所有管理员
func (r *MongoAdminRepository) List(ctx context.Context) ([]*models.Admin, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, models.NewStorageError("failed to list admins", err)
	}
	defer cursor.Close(ctx)

	var admins []*models.Admin
	if err := cursor.All(ctx, &admins); err != nil {
		return nil, models.NewStorageError("failed to decode admins", err)
	}
	return admins, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoAdminRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "contact_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return models.NewStorageError("failed to create indexes for admins", err)
	}
	return nil
}
