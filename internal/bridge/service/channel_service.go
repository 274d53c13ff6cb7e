package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/repository"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/logger"
)

// ChannelServiceImpl 频道服务实现
type ChannelServiceImpl struct {
	mu        sync.Mutex
	accountID int64
	repo      repository.ChannelRepository
	table     *routing.Table
}

var _ ChannelService = (*ChannelServiceImpl)(nil)

// NewChannelService 创建频道服务
func NewChannelService(accountID int64, repo repository.ChannelRepository, table *routing.Table) *ChannelServiceImpl {
	return &ChannelServiceImpl{
		accountID: accountID,
		repo:      repo,
		table:     table,
	}
}

// List 列出注册表中的所有频道
func (s *ChannelServiceImpl) List(ctx context.Context) ([]*models.Channel, error) {
	channels, err := s.repo.List(ctx, s.accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return channels, nil
}

// Get 读取频道
func (s *ChannelServiceImpl) Get(ctx context.Context, chatID int64) (*models.Channel, error) {
	return s.repo.Get(ctx, s.accountID, chatID)
}

// Register 写入新频道并加入路由表
func (s *ChannelServiceImpl) Register(ctx context.Context, channel *models.Channel, entity *network.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.table.BySource(entity.ID); ok {
		return fmt.Errorf("failed to register channel %d: %w", channel.ChatID, routing.ErrDuplicateSource)
	}
	if s.table.IsRouted(channel.ChatID) {
		return fmt.Errorf("failed to register channel %d: %w", channel.ChatID, routing.ErrDuplicateChat)
	}

	channel.AccountID = s.accountID
	channel.Media.Normalize()
	if err := s.repo.Upsert(ctx, channel); err != nil {
		return fmt.Errorf("failed to register channel: %w", err)
	}

	if err := s.table.Add(&routing.Entry{SourceID: entity.ID, Entity: entity, Channel: channel}); err != nil {
		return fmt.Errorf("failed to route channel %d: %w", channel.ChatID, err)
	}

	logger.L().Infof("Channel registered: chat_id=%d, source_id=%d, name=%s", channel.ChatID, entity.ID, channel.Name)
	return nil
}

// Save 写入频道，不修改路由表
func (s *ChannelServiceImpl) Save(ctx context.Context, channel *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel.AccountID = s.accountID
	channel.Media.Normalize()
	if err := s.repo.Upsert(ctx, channel); err != nil {
		return fmt.Errorf("failed to save channel %d: %w", channel.ChatID, err)
	}
	return nil
}

// Route 将注册表中的频道加入路由表
func (s *ChannelServiceImpl) Route(channel *models.Channel, entity *network.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.table.Add(&routing.Entry{SourceID: entity.ID, Entity: entity, Channel: channel}); err != nil {
		return fmt.Errorf("failed to route channel %d: %w", channel.ChatID, err)
	}
	return nil
}

// Update 读-改-写整条记录
func (s *ChannelServiceImpl) Update(ctx context.Context, chatID int64, mutate func(*models.Channel)) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, err := s.repo.Get(ctx, s.accountID, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %d: %w", chatID, err)
	}

	mutate(channel)
	channel.Media.Normalize()

	if err := s.repo.Upsert(ctx, channel); err != nil {
		return nil, fmt.Errorf("failed to update channel %d: %w", chatID, err)
	}
	s.table.Replace(channel)
	return channel.Clone(), nil
}

// UpdateSource 持久化规范来源 ID
func (s *ChannelServiceImpl) UpdateSource(ctx context.Context, chatID int64, source string) error {
	_, err := s.Update(ctx, chatID, func(c *models.Channel) {
		c.Source = source
	})
	if err != nil {
		return err
	}
	logger.L().Infof("Channel source updated: chat_id=%d, source=%s", chatID, source)
	return nil
}

// SetEnabled 更新启用状态
func (s *ChannelServiceImpl) SetEnabled(ctx context.Context, chatID int64, enabled bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, err := s.repo.Get(ctx, s.accountID, chatID)
	if err != nil {
		return false, fmt.Errorf("failed to load channel %d: %w", chatID, err)
	}
	if channel.Enabled == enabled {
		s.table.SetEnabled(chatID, enabled)
		return false, nil
	}

	if err := s.repo.SetEnabled(ctx, s.accountID, chatID, enabled); err != nil {
		return false, fmt.Errorf("failed to set channel %d enabled: %w", chatID, err)
	}
	s.table.SetEnabled(chatID, enabled)

	logger.L().Infof("Channel enabled state changed: chat_id=%d, enabled=%t", chatID, enabled)
	return true, nil
}

// Remove 从路由表和注册表移除频道
func (s *ChannelServiceImpl) Remove(ctx context.Context, chatID int64) (*routing.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 注册表中已不存在但仍在路由表中时，仍需移除路由
	if err := s.repo.Delete(ctx, s.accountID, chatID); err != nil {
		if !errors.Is(err, models.ErrNotFound) || !s.table.IsRouted(chatID) {
			return nil, fmt.Errorf("failed to delete channel %d: %w", chatID, err)
		}
	}

	entry, _ := s.table.Remove(chatID)
	logger.L().Infof("Channel removed: chat_id=%d", chatID)
	return entry, nil
}
