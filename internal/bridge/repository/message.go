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

const messageSeqCounter = "relayed_messages"

// MongoMessageRepository 消息映射账本（MongoDB 实现）
type MongoMessageRepository struct {
	collection *mongo.Collection
	counters   *mongo.Collection
}

// NewMongoMessageRepository 创建消息 Repository
func NewMongoMessageRepository(db *mongo.Database) *MongoMessageRepository {
	return &MongoMessageRepository{
		collection: db.Collection("relayed_messages"),
		counters:   db.Collection("counters"),
	}
}

// nextSeq 分配递增行号
func (r *MongoMessageRepository) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": messageSeqCounter},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

// Upsert 插入或更新消息映射
// 行号只在首次插入时写入，重复写入保留原行号
func (r *MongoMessageRepository) Upsert(ctx context.Context, message *models.RelayedMessage) error {
	seq, err := r.nextSeq(ctx)
	if err != nil {
		return models.NewStorageError("failed to allocate message seq", err)
	}

	now := time.Now()
	message.UpdatedAt = now

	filter := bson.M{
		"chat_id":           message.ChatID,
		"source_message_id": message.SourceMessageID,
	}
	update := bson.M{
		"$set": bson.M{
			"dest_message_id": message.DestMessageID,
			"text":            message.Text,
			"media_path":      message.MediaPath,
			"media_kind":      message.MediaKind,
			"updated_at":      now,
		},
		"$setOnInsert": bson.M{
			"seq":        seq,
			"created_at": now,
		},
	}

	opts := options.Update().SetUpsert(true)
	result, err := r.collection.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// 并发 upsert 同一键时 MongoDB 可能报唯一键冲突，重试一次即走更新分支
		result, err = r.collection.UpdateOne(ctx, filter, update, opts)
	}
	if err != nil {
		return models.NewStorageError("failed to upsert relayed message", err)
	}

	if result.UpsertedCount > 0 {
		message.Seq = seq
		message.CreatedAt = now
	}
	return nil
}

// GetBySourceID 根据 Telegram 消息 ID 查询映射
func (r *MongoMessageRepository) GetBySourceID(ctx context.Context, chatID, sourceMessageID int64) (*models.RelayedMessage, error) {
	filter := bson.M{
		"chat_id":           chatID,
		"source_message_id": sourceMessageID,
	}

	var message models.RelayedMessage
	if err := r.collection.FindOne(ctx, filter).Decode(&message); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("relayed message not found: chat_id=%d, source_message_id=%d: %w",
				chatID, sourceMessageID, models.ErrNotFound)
		}
		return nil, models.NewStorageError("failed to get relayed message", err)
	}
	return &message, nil
}

// ListLatest 最近 limit 条已送达记录，按插入顺序返回（旧 -> 新）
func (r *MongoMessageRepository) ListLatest(ctx context.Context, chatID int64, limit int) ([]*models.RelayedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	filter := bson.M{
		"chat_id":         chatID,
		"dest_message_id": bson.M{"$gt": 0},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, models.NewStorageError("failed to list relayed messages", err)
	}
	defer cursor.Close(ctx)

	var messages []*models.RelayedMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, models.NewStorageError("failed to decode relayed messages", err)
	}

	reverseMessages(messages)
	return messages, nil
}

// EnsureIndexes 确保索引存在
func (r *MongoMessageRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		// 复合唯一索引（同一 Telegram 消息在同一频道只保留一条映射）
		{
			Keys: bson.D{
				{Key: "chat_id", Value: 1},
				{Key: "source_message_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "chat_id", Value: 1},
				{Key: "seq", Value: -1},
			},
		},
	}

	if _, err := r.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return models.NewStorageError("failed to create indexes for relayed_messages", err)
	}
	return nil
}

func reverseMessages(messages []*models.RelayedMessage) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
