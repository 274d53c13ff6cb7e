package bridgetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
)

// Source 内存 Telegram 替身
type Source struct {
	mu          sync.Mutex
	entities    map[string]*network.Entity
	invites     map[string]*network.InviteStatus
	imports     map[string]*network.Entity
	importErrs  map[string]error
	history     map[int64][]*network.SourceMessage
	downloads   []int64
	downloadErr error
	joined      []int64
	read        map[int64]int64
}

// NewSource 创建 Source 替身
func NewSource() *Source {
	return &Source{
		entities:   make(map[string]*network.Entity),
		invites:    make(map[string]*network.InviteStatus),
		imports:    make(map[string]*network.Entity),
		importErrs: make(map[string]error),
		history:    make(map[int64][]*network.SourceMessage),
		read:       make(map[int64]int64),
	}
}

// AddEntity 注册实体，可通过数字 ID、用户名或额外标识解析
func (s *Source) AddEntity(entity *network.Entity, identifiers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[strconv.FormatInt(entity.ID, 10)] = entity
	if entity.Username != "" {
		s.entities["@"+entity.Username] = entity
		s.entities[entity.Username] = entity
	}
	for _, id := range identifiers {
		s.entities[id] = entity
	}
}

// AddInvite 预置邀请检查结果
func (s *Source) AddInvite(hash string, status *network.InviteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[hash] = status
}

// SetImport 预置邀请导入结果
func (s *Source) SetImport(hash string, entity *network.Entity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity != nil {
		s.imports[hash] = entity
	}
	if err != nil {
		s.importErrs[hash] = err
	}
}

// AddMessages 追加来源消息（旧 -> 新）
func (s *Source) AddMessages(msgs ...*network.SourceMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.history[m.ChatID] = append(s.history[m.ChatID], m)
	}
}

// SetDownloadError 设置下载失败
func (s *Source) SetDownloadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadErr = err
}

// Downloads 已下载的消息 ID
func (s *Source) Downloads() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.downloads...)
}

// Joined 已加入的频道
func (s *Source) Joined() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.joined...)
}

// ReadUpTo 已读位置
func (s *Source) ReadUpTo(chatID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read[chatID]
}

func (s *Source) ResolveEntity(ctx context.Context, identifier string) (*network.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[identifier]
	if !ok {
		return nil, fmt.Errorf("no entity for %q", identifier)
	}
	clone := *entity
	return &clone, nil
}

func (s *Source) CheckInvite(ctx context.Context, hash string) (*network.InviteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.invites[hash]
	if !ok {
		return nil, fmt.Errorf("invite %q is invalid", hash)
	}
	return status, nil
}

func (s *Source) ImportInvite(ctx context.Context, hash string) (*network.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.importErrs[hash]; err != nil {
		return nil, err
	}
	entity, ok := s.imports[hash]
	if !ok {
		return nil, fmt.Errorf("invite %q is invalid", hash)
	}
	entity.IsMember = true
	s.entities[strconv.FormatInt(entity.ID, 10)] = entity
	return entity, nil
}

func (s *Source) JoinChannel(ctx context.Context, entity *network.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = append(s.joined, entity.ID)
	if stored, ok := s.entities[strconv.FormatInt(entity.ID, 10)]; ok {
		stored.IsMember = true
	}
	return nil
}

func (s *Source) Dialogs(ctx context.Context) ([]*network.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	var out []*network.Entity
	for _, entity := range s.entities {
		if entity.IsMember && !seen[entity.ID] {
			seen[entity.ID] = true
			out = append(out, entity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Source) RecentMessages(ctx context.Context, entity *network.Entity, limit int) ([]*network.SourceMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.history[entity.ID]
	out := make([]*network.SourceMessage, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *Source) DownloadMedia(ctx context.Context, msg *network.SourceMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = append(s.downloads, msg.ID)
	if s.downloadErr != nil {
		return "", s.downloadErr
	}
	return fmt.Sprintf("/media/%d_%d.%s", msg.ChatID, msg.ID, msg.Media), nil
}

func (s *Source) DownloadAvatar(ctx context.Context, entity *network.Entity) (string, error) {
	return fmt.Sprintf("/media/avatar_%d.jpg", entity.ID), nil
}

func (s *Source) MarkRead(ctx context.Context, entity *network.Entity, msgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgID > s.read[entity.ID] {
		s.read[entity.ID] = msgID
	}
	return nil
}

// Channel 构造一个默认策略的测试频道
func Channel(chatID int64, source string) *models.Channel {
	return &models.Channel{
		AccountID: 1,
		ChatID:    chatID,
		Source:    source,
		Name:      source,
		Enabled:   true,
		PhotoMode: models.PhotoModeManual,
		Media:     models.DefaultMediaPolicy(),
	}
}
