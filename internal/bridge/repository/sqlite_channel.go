package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dc_bridge/internal/bridge/models"

	"github.com/jmoiron/sqlx"
)

// channelRow channels 表的一行
type channelRow struct {
	AccountID     int64     `db:"account_id"`
	ChatID        int64     `db:"chat_id"`
	Source        string    `db:"source"`
	Name          string    `db:"name"`
	Enabled       bool      `db:"enabled"`
	PhotoMode     string    `db:"photo_mode"`
	PhotoEnabled  bool      `db:"photo_enabled"`
	PhotoFallback string    `db:"photo_fallback"`
	VideoEnabled  bool      `db:"video_enabled"`
	VideoFallback string    `db:"video_fallback"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func newChannelRow(c *models.Channel) channelRow {
	return channelRow{
		AccountID:     c.AccountID,
		ChatID:        c.ChatID,
		Source:        c.Source,
		Name:          c.Name,
		Enabled:       c.Enabled,
		PhotoMode:     string(c.PhotoMode),
		PhotoEnabled:  c.Media.Photo.Enabled,
		PhotoFallback: c.Media.Photo.FallbackText,
		VideoEnabled:  c.Media.Video.Enabled,
		VideoFallback: c.Media.Video.FallbackText,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (r channelRow) toModel() *models.Channel {
	return &models.Channel{
		AccountID: r.AccountID,
		ChatID:    r.ChatID,
		Source:    r.Source,
		Name:      r.Name,
		Enabled:   r.Enabled,
		PhotoMode: models.PhotoMode(r.PhotoMode),
		Media: models.MediaPolicy{
			Photo: models.MediaRule{Enabled: r.PhotoEnabled, FallbackText: r.PhotoFallback},
			Video: models.MediaRule{Enabled: r.VideoEnabled, FallbackText: r.VideoFallback},
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const channelColumns = `account_id, chat_id, source, name, enabled, photo_mode,
	photo_enabled, photo_fallback, video_enabled, video_fallback, created_at, updated_at`

// SQLiteChannelRepository 频道注册表（SQLite 实现）
type SQLiteChannelRepository struct {
	db *sqlx.DB
}

// NewSQLiteChannelRepository 创建频道 Repository
func NewSQLiteChannelRepository(db *sqlx.DB) *SQLiteChannelRepository {
	return &SQLiteChannelRepository{db: db}
}

// Upsert 整条替换或插入频道，保留首次创建时间
func (r *SQLiteChannelRepository) Upsert(ctx context.Context, channel *models.Channel) error {
	now := time.Now().UTC()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now

	query := `INSERT INTO channels (` + channelColumns + `)
		VALUES (:account_id, :chat_id, :source, :name, :enabled, :photo_mode,
			:photo_enabled, :photo_fallback, :video_enabled, :video_fallback, :created_at, :updated_at)
		ON CONFLICT (account_id, chat_id) DO UPDATE SET
			source = excluded.source,
			name = excluded.name,
			enabled = excluded.enabled,
			photo_mode = excluded.photo_mode,
			photo_enabled = excluded.photo_enabled,
			photo_fallback = excluded.photo_fallback,
			video_enabled = excluded.video_enabled,
			video_fallback = excluded.video_fallback,
			updated_at = excluded.updated_at`

	if _, err := r.db.NamedExecContext(ctx, query, newChannelRow(channel)); err != nil {
		return models.NewStorageError("failed to upsert channel", err)
	}
	return nil
}

// Get 获取频道
func (r *SQLiteChannelRepository) Get(ctx context.Context, accountID, chatID int64) (*models.Channel, error) {
	var row channelRow
	query := `SELECT ` + channelColumns + ` FROM channels WHERE account_id = ? AND chat_id = ?`
	if err := r.db.GetContext(ctx, &row, query, accountID, chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel not found: account_id=%d, chat_id=%d: %w", accountID, chatID, models.ErrNotFound)
		}
		return nil, models.NewStorageError("failed to get channel", err)
	}
	return row.toModel(), nil
}

// List 列出账号下的所有频道
func (r *SQLiteChannelRepository) List(ctx context.Context, accountID int64) ([]*models.Channel, error) {
	var rows []channelRow
	query := `SELECT ` + channelColumns + ` FROM channels WHERE account_id = ? ORDER BY chat_id`
	if err := r.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, models.NewStorageError("failed to list channels", err)
	}

	channels := make([]*models.Channel, 0, len(rows))
	for _, row := range rows {
		channels = append(channels, row.toModel())
	}
	return channels, nil
}

// SetEnabled 更新启用状态
func (r *SQLiteChannelRepository) SetEnabled(ctx context.Context, accountID, chatID int64, enabled bool) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE channels SET enabled = ?, updated_at = ? WHERE account_id = ? AND chat_id = ?`,
		enabled, time.Now().UTC(), accountID, chatID,
	)
	if err != nil {
		return models.NewStorageError("failed to set channel enabled", err)
	}
	return requireAffected(result, fmt.Sprintf("channel not found: account_id=%d, chat_id=%d", accountID, chatID))
}

// Delete 删除频道配置
func (r *SQLiteChannelRepository) Delete(ctx context.Context, accountID, chatID int64) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM channels WHERE account_id = ? AND chat_id = ?`, accountID, chatID)
	if err != nil {
		return models.NewStorageError("failed to delete channel", err)
	}
	return requireAffected(result, fmt.Sprintf("channel not found: account_id=%d, chat_id=%d", accountID, chatID))
}

// EnsureIndexes 索引由迁移创建
func (r *SQLiteChannelRepository) EnsureIndexes(ctx context.Context) error {
	return nil
}

func requireAffected(result sql.Result, notFound string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return models.NewStorageError("failed to read affected rows", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", notFound, models.ErrNotFound)
	}
	return nil
}
