package repository

import (
	"context"

	"dc_bridge/internal/bridge/models"
)

// ChannelRepository 镜像频道注册表
type ChannelRepository interface {
	// Upsert 按 (account_id, chat_id) 整条替换或插入
	Upsert(ctx context.Context, channel *models.Channel) error

	// Get 获取单个频道，不存在时返回 models.ErrNotFound
	Get(ctx context.Context, accountID, chatID int64) (*models.Channel, error)

	// List 列出账号下的所有频道
	List(ctx context.Context, accountID int64) ([]*models.Channel, error)

	// SetEnabled 仅更新 enabled 字段
	SetEnabled(ctx context.Context, accountID, chatID int64, enabled bool) error

	// Delete 删除频道配置（不删除历史消息）
	Delete(ctx context.Context, accountID, chatID int64) error

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// MessageRepository 消息映射账本
type MessageRepository interface {
	// Upsert 按 (chat_id, source_message_id) 插入或更新
	Upsert(ctx context.Context, message *models.RelayedMessage) error

	// GetBySourceID 根据 Telegram 消息 ID 查询，不存在时返回 models.ErrNotFound
	GetBySourceID(ctx context.Context, chatID, sourceMessageID int64) (*models.RelayedMessage, error)

	// ListLatest 最近 limit 条已送达记录（旧 -> 新）
	ListLatest(ctx context.Context, chatID int64, limit int) ([]*models.RelayedMessage, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}

// AdminRepository 管理员数据访问接口
type AdminRepository interface {
	// Add 添加管理员（幂等）
	Add(ctx context.Context, contactID int64) error

	// IsAdmin 是否为管理员
	IsAdmin(ctx context.Context, contactID int64) (bool, error)

	// Remove 移除管理员
	Remove(ctx context.Context, contactID int64) error

	// List 列出所有管理员
	List(ctx context.Context) ([]*models.Admin, error)

	// EnsureIndexes 确保索引存在
	EnsureIndexes(ctx context.Context) error
}
