// Package bridgetest 提供桥接核心测试使用的内存仓库与网络替身
package bridgetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dc_bridge/internal/bridge/models"
)

// ChannelRepository 内存频道注册表
type ChannelRepository struct {
	mu       sync.Mutex
	channels map[[2]int64]*models.Channel

	// Err 非空时所有操作返回该错误
	Err error
}

// NewChannelRepository 创建内存频道注册表
func NewChannelRepository(channels ...*models.Channel) *ChannelRepository {
	r := &ChannelRepository{channels: make(map[[2]int64]*models.Channel)}
	for _, c := range channels {
		r.channels[[2]int64{c.AccountID, c.ChatID}] = c.Clone()
	}
	return r
}

func (r *ChannelRepository) Upsert(ctx context.Context, channel *models.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.NewStorageError("failed to upsert channel", r.Err)
	}
	now := time.Now()
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = now
	}
	channel.UpdatedAt = now
	r.channels[[2]int64{channel.AccountID, channel.ChatID}] = channel.Clone()
	return nil
}

func (r *ChannelRepository) Get(ctx context.Context, accountID, chatID int64) (*models.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, models.NewStorageError("failed to get channel", r.Err)
	}
	c, ok := r.channels[[2]int64{accountID, chatID}]
	if !ok {
		return nil, fmt.Errorf("channel not found: account_id=%d, chat_id=%d: %w", accountID, chatID, models.ErrNotFound)
	}
	return c.Clone(), nil
}

func (r *ChannelRepository) List(ctx context.Context, accountID int64) ([]*models.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, models.NewStorageError("failed to list channels", r.Err)
	}
	var out []*models.Channel
	for key, c := range r.channels {
		if key[0] == accountID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (r *ChannelRepository) SetEnabled(ctx context.Context, accountID, chatID int64, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.NewStorageError("failed to set channel enabled", r.Err)
	}
	c, ok := r.channels[[2]int64{accountID, chatID}]
	if !ok {
		return fmt.Errorf("channel not found: %w", models.ErrNotFound)
	}
	c.Enabled = enabled
	return nil
}

func (r *ChannelRepository) Delete(ctx context.Context, accountID, chatID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.NewStorageError("failed to delete channel", r.Err)
	}
	key := [2]int64{accountID, chatID}
	if _, ok := r.channels[key]; !ok {
		return fmt.Errorf("channel not found: %w", models.ErrNotFound)
	}
	delete(r.channels, key)
	return nil
}

func (r *ChannelRepository) EnsureIndexes(ctx context.Context) error { return nil }

// MessageRepository 内存消息账本
type MessageRepository struct {
	mu   sync.Mutex
	seq  int64
	rows map[[2]int64]*models.RelayedMessage

	// Err 非空时所有操作返回该错误
	Err error
}

// NewMessageRepository 创建内存消息账本
func NewMessageRepository() *MessageRepository {
	return &MessageRepository{rows: make(map[[2]int64]*models.RelayedMessage)}
}

func (r *MessageRepository) Upsert(ctx context.Context, message *models.RelayedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.NewStorageError("failed to upsert relayed message", r.Err)
	}
	key := [2]int64{message.ChatID, message.SourceMessageID}
	now := time.Now()
	if existing, ok := r.rows[key]; ok {
		message.Seq = existing.Seq
		message.CreatedAt = existing.CreatedAt
	} else {
		r.seq++
		message.Seq = r.seq
		message.CreatedAt = now
	}
	message.UpdatedAt = now
	clone := *message
	r.rows[key] = &clone
	return nil
}

func (r *MessageRepository) GetBySourceID(ctx context.Context, chatID, sourceMessageID int64) (*models.RelayedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, models.NewStorageError("failed to get relayed message", r.Err)
	}
	row, ok := r.rows[[2]int64{chatID, sourceMessageID}]
	if !ok {
		return nil, fmt.Errorf("relayed message not found: %w", models.ErrNotFound)
	}
	clone := *row
	return &clone, nil
}

func (r *MessageRepository) ListLatest(ctx context.Context, chatID int64, limit int) ([]*models.RelayedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, models.NewStorageError("failed to list relayed messages", r.Err)
	}
	var out []*models.RelayedMessage
	for _, row := range r.rows {
		if row.ChatID == chatID && row.Delivered() {
			clone := *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit >= 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *MessageRepository) EnsureIndexes(ctx context.Context) error { return nil }

// Rows 返回某个会话的全部记录（按行号排序）
func (r *MessageRepository) Rows(chatID int64) []*models.RelayedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.RelayedMessage
	for _, row := range r.rows {
		if row.ChatID == chatID {
			clone := *row
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// AdminRepository 内存管理员仓库
type AdminRepository struct {
	mu     sync.Mutex
	admins map[int64]time.Time

	// Err 非空时所有操作返回该错误
	Err error
}

// NewAdminRepository 创建内存管理员仓库
func NewAdminRepository(ids ...int64) *AdminRepository {
	r := &AdminRepository{admins: make(map[int64]time.Time)}
	for _, id := range ids {
		r.admins[id] = time.Now()
	}
	return r
}

func (r *AdminRepository) Add(ctx context.Context, contactID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.NewStorageError("failed to add admin", r.Err)
	}
	if _, ok := r.admins[contactID]; !ok {
		r.admins[contactID] = time.Now()
	}
	return nil
}

func (r *AdminRepository) IsAdmin(ctx context.Context, contactID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, models.NewStorageError("failed to check admin", r.Err)
	}
	_, ok := r.admins[contactID]
	return ok, nil
}

func (r *AdminRepository) Remove(ctx context.Context, contactID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.NewStorageError("failed to remove admin", r.Err)
	}
	delete(r.admins, contactID)
	return nil
}

func (r *AdminRepository) List(ctx context.Context) ([]*models.Admin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, models.NewStorageError("failed to list admins", r.Err)
	}
	out := make([]*models.Admin, 0, len(r.admins))
	for id, at := range r.admins {
		out = append(out, &models.Admin{ContactID: id, CreatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out, nil
}

func (r *AdminRepository) EnsureIndexes(ctx context.Context) error { return nil }
