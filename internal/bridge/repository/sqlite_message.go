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

type messageRow struct {
	Seq             int64     `db:"seq"`
	ChatID          int64     `db:"chat_id"`
	SourceMessageID int64     `db:"source_message_id"`
	DestMessageID   int64     `db:"dest_message_id"`
	Text            string    `db:"text"`
	MediaPath       string    `db:"media_path"`
	MediaKind       string    `db:"media_kind"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r messageRow) toModel() *models.RelayedMessage {
	return &models.RelayedMessage{
		Seq:             r.Seq,
		ChatID:          r.ChatID,
		SourceMessageID: r.SourceMessageID,
		DestMessageID:   r.DestMessageID,
		Text:            r.Text,
		MediaPath:       r.MediaPath,
		MediaKind:       models.MediaKind(r.MediaKind),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

const messageColumns = `seq, chat_id, source_message_id, dest_message_id, text,
	media_path, media_kind, created_at, updated_at`

// SQLiteMessageRepository 消息映射账本（SQLite 实现）
type SQLiteMessageRepository struct {
	db *sqlx.DB
}

// NewSQLiteMessageRepository 创建消息 Repository
func NewSQLiteMessageRepository(db *sqlx.DB) *SQLiteMessageRepository {
	return &SQLiteMessageRepository{db: db}
}

// Upsert 插入或更新消息映射，冲突时保留原行号与创建时间
func (r *SQLiteMessageRepository) Upsert(ctx context.Context, message *models.RelayedMessage) error {
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	if message.MediaKind == "" {
		message.MediaKind = models.MediaKindText
	}

	query := `INSERT INTO relayed_messages
			(chat_id, source_message_id, dest_message_id, text, media_path, media_kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, source_message_id) DO UPDATE SET
			dest_message_id = excluded.dest_message_id,
			text = excluded.text,
			media_path = excluded.media_path,
			media_kind = excluded.media_kind,
			updated_at = excluded.updated_at
		RETURNING seq`

	row := r.db.QueryRowxContext(ctx, query,
		message.ChatID,
		message.SourceMessageID,
		message.DestMessageID,
		message.Text,
		message.MediaPath,
		string(message.MediaKind),
		message.CreatedAt,
		now,
	)

	var seq int64
	if err := row.Scan(&seq); err != nil {
		return models.NewStorageError("failed to upsert relayed message", err)
	}

	message.Seq = seq
	message.UpdatedAt = now
	return nil
}

// GetBySourceID 根据 Telegram 消息 ID 查询映射
func (r *SQLiteMessageRepository) GetBySourceID(ctx context.Context, chatID, sourceMessageID int64) (*models.RelayedMessage, error) {
	var row messageRow
	query := `SELECT ` + messageColumns + ` FROM relayed_messages WHERE chat_id = ? AND source_message_id = ?`
	if err := r.db.GetContext(ctx, &row, query, chatID, sourceMessageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("relayed message not found: chat_id=%d, source_message_id=%d: %w",
				chatID, sourceMessageID, models.ErrNotFound)
		}
		return nil, models.NewStorageError("failed to get relayed message", err)
	}
	return row.toModel(), nil
}

// ListLatest 最近 limit 条已送达记录（旧 -> 新）
func (r *SQLiteMessageRepository) ListLatest(ctx context.Context, chatID int64, limit int) ([]*models.RelayedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	var rows []messageRow
	query := `SELECT ` + messageColumns + ` FROM relayed_messages
		WHERE chat_id = ? AND dest_message_id > 0
		ORDER BY seq DESC LIMIT ?`
	if err := r.db.SelectContext(ctx, &rows, query, chatID, limit); err != nil {
		return nil, models.NewStorageError("failed to list relayed messages", err)
	}

	messages := make([]*models.RelayedMessage, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toModel())
	}
	reverseMessages(messages)
	return messages, nil
}

// EnsureIndexes 索引由迁移创建
func (r *SQLiteMessageRepository) EnsureIndexes(ctx context.Context) error {
	return nil
}
