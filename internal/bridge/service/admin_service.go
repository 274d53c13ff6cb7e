package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/repository"
	"dc_bridge/internal/logger"
)

// AdminServiceImpl 管理员服务实现
type AdminServiceImpl struct {
	repo   repository.AdminRepository
	secret string
}

var _ AdminService = (*AdminServiceImpl)(nil)

// NewAdminService 创建管理员服务
func NewAdminService(repo repository.AdminRepository, secret string) *AdminServiceImpl {
	return &AdminServiceImpl{
		repo:   repo,
		secret: secret,
	}
}

// Authenticate 共享密钥完全匹配时添加管理员
func (s *AdminServiceImpl) Authenticate(ctx context.Context, contactID int64, text string) (bool, error) {
	if s.secret == "" {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(text)), []byte(s.secret)) != 1 {
		return false, nil
	}

	if err := s.repo.Add(ctx, contactID); err != nil {
		return false, fmt.Errorf("failed to grant admin: %w", err)
	}

	logger.L().Infof("Admin granted: contact_id=%d", contactID)
	return true, nil
}

// IsAdmin 是否为管理员
func (s *AdminServiceImpl) IsAdmin(ctx context.Context, contactID int64) (bool, error) {
	ok, err := s.repo.IsAdmin(ctx, contactID)
	if err != nil {
		return false, fmt.Errorf("failed to check admin: %w", err)
	}
	return ok, nil
}

// Seed 预置配置中的管理员
func (s *AdminServiceImpl) Seed(ctx context.Context, contactIDs []int64) error {
	for _, id := range contactIDs {
		if err := s.repo.Add(ctx, id); err != nil {
			return fmt.Errorf("failed to seed admin %d: %w", id, err)
		}
	}
	if len(contactIDs) > 0 {
		logger.L().Infof("Seeded %d admins from config", len(contactIDs))
	}
	return nil
}

// List 列出所有管理员
func (s *AdminServiceImpl) List(ctx context.Context) ([]*models.Admin, error) {
	admins, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	return admins, nil
}
