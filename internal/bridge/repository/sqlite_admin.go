package repository

import (
	"context"
	"time"

	"dc_bridge/internal/bridge/models"

	"github.com/jmoiron/sqlx"
)

// SQLiteAdminRepository 管理员数据访问层（SQLite 实现）
type SQLiteAdminRepository struct {
	db *sqlx.DB
}

// NewSQLiteAdminRepository 创建管理员 Repository
func NewSQLiteAdminRepository(db *sqlx.DB) *SQLiteAdminRepository {
	return &SQLiteAdminRepository{db: db}
}

// Add 添加管理员
func (r *SQLiteAdminRepository) Add(ctx context.Context, contactID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO admins (contact_id, created_at) VALUES (?, ?) ON CONFLICT (contact_id) DO NOTHING`,
		contactID, time.Now().UTC())
	if err != nil {
		return models.NewStorageError("failed to add admin", err)
	}
	return nil
}

// IsAdmin 是否为管理员
func (r *SQLiteAdminRepository) IsAdmin(ctx context.Context, contactID int64) (bool, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM admins WHERE contact_id = ?`, contactID); err != nil {
		return false, models.NewStorageError("failed to check admin", err)
	}
	return count > 0, nil
}

// Remove 移除管理员
func (r *SQLiteAdminRepository) Remove(ctx context.Context, contactID int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM admins WHERE contact_id = ?`, contactID); err != nil {
		return models.NewStorageError("failed to remove admin", err)
	}
	return nil
}

// List 列出所有管理员
func (r *SQLiteAdminRepository) List(ctx context.Context) ([]*models.Admin, error) {
	var admins []*models.Admin
	err := r.db.SelectContext(ctx, &admins,
		`SELECT contact_id, created_at FROM admins ORDER BY created_at, contact_id`)
	if err != nil {
		return nil, models.NewStorageError("failed to list admins", err)
	}
	return admins, nil
}

// EnsureIndexes 索引由迁移创建
func (r *SQLiteAdminRepository) EnsureIndexes(ctx context.Context) error {
	return nil
}
