package service

import (
	"context"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/routing"
)

// ChannelService 频道业务逻辑接口
// 注册表写入与路由表修改在同一把锁下完成
type ChannelService interface {
	// List 列出注册表中的所有频道
	List(ctx context.Context) ([]*models.Channel, error)

	// Get 读取频道（注册表为准）
	Get(ctx context.Context, chatID int64) (*models.Channel, error)

	// Register 写入新频道并加入路由表
	Register(ctx context.Context, channel *models.Channel, entity *network.Entity) error

	// Save 写入频道但不加入路由表（配置预置使用）
	Save(ctx context.Context, channel *models.Channel) error

	// Route 将已在注册表中的频道加入路由表（启动时使用）
	Route(channel *models.Channel, entity *network.Entity) error

	// Update 读-改-写整条记录，并同步路由表
	Update(ctx context.Context, chatID int64, mutate func(*models.Channel)) (*models.Channel, error)

	// UpdateSource 持久化规范来源 ID
	UpdateSource(ctx context.Context, chatID int64, source string) error

	// SetEnabled 更新启用状态，返回状态是否发生变化
	SetEnabled(ctx context.Context, chatID int64, enabled bool) (bool, error)

	// Remove 从路由表和注册表移除频道（保留历史消息）
	Remove(ctx context.Context, chatID int64) (*routing.Entry, error)
}

// AdminService 管理员业务逻辑接口
type AdminService interface {
	// Authenticate 校验共享密钥，匹配时授予管理员权限
	Authenticate(ctx context.Context, contactID int64, text string) (bool, error)

	// IsAdmin 是否为管理员
	IsAdmin(ctx context.Context, contactID int64) (bool, error)

	// Seed 预置管理员
	Seed(ctx context.Context, contactIDs []int64) error

	// List 列出所有管理员
	List(ctx context.Context) ([]*models.Admin, error)
}
