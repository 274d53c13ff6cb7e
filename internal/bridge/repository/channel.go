package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dc_bridge/internal/bridge/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoChannelRepository 频道注册表（MongoDB 实现）
type MongoChannelRepository struct {
	collection *mongo.Collection
}

// NewMongoChannelRepository 创建频道 Repository
func NewMongoChannelRepository(db *mongo.Database) *MongoChannelRepository {
	return &MongoChannelRepository{
		collection: db.Collection("channels"),
	}
}

// Upsert 整条替换或插入频道
func (r *MongoChannelRepository) Upsert(ctx context.Context, channel *models.Channel) error {
	now := time.Now()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now

	filter := bson.M{
		"account_id": channel.AccountID,
		"chat_id":    channel.ChatID,
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, filter, channel, opts); err != nil {
		return models.NewStorageError("failed to upsert channel", err)
	}
	return nil
}

// Get 获取频道
func (r *MongoChannelRepository) Get(ctx context.Context, accountID, chatID int64) (*models.Channel, error) {
	filter := bson.M{
		"account_id": accountID,
		"chat_id":    chatID,
	}

	var channel models.Channel
	if err := r.collection.FindOne(ctx, filter).Decode(&channel); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("channel not found: account_id=%d, chat_id=%d: %w", accountID, chatID, models.ErrNotFound)
		}
		return nil, models.NewStorageError("failed to get channel", err)
	}
	return &channel, nil
}

// List 列出账号下的所有频道
func (r *MongoChannelRepository) List(ctx context.Context, accountID int64) ([]*models.Channel, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"account_id": accountID})
	if err != nil {
		return nil, models.NewStorageError("failed to list channels", err)
	}
	defer cursor.Close(ctx)

	var channels []*models.Channel
	if err := cursor.All(ctx, &channels); err != nil {
		return nil, models.NewStorageError("failed to decode channels", err)
	}
	return channels, nil
}

// SetEnabled 更新启用状态
func (r *MongoChannelRepository) SetEnabled(ctx context.Context, accountID, chatID int64, enabled bool) error {
	filter := bson.M{
		"account_id": accountID,
		"chat_id":    chatID,
	}
	update := bson.M{
		"$set": bson.M{
			"enabled":    enabled,
			"updated_at": time.Now(),
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return models.NewStorageError("failed to set channel enabled", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("channel not found: account_id=%d, chat_id=%d: %w", accountID, chatID, models.ErrNotFound)
	}
	return nil
}

// Delete 删除频道配置
func (r *MongoChannelRepository) Delete(ctx context.Context, accountID, chatID int64) error {
	filter := bson.M{
		"account_id": accountID,
		"chat_id":    chatID,
	}

	result, err := r.collection.DeleteOne(ctx, filter)
	if err != nil {
		return models.NewStorageError("failed to delete channel", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("channel not found: account_id=%d, chat_id=%d: %w", accountID, chatID, models.ErrNotFound)
	}
	return nil
}

// EnsureIndexes 确保索引存在
func (r *MongoChannelRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "account_id", Value: 1},
				{Key: "chat_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "source", Value: 1}},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return models.NewStorageError("failed to create indexes for channels", err)
	}
	return nil
}
