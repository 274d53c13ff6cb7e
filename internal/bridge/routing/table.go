// Package routing 维护 Telegram 频道到 Delta Chat 广播的内存路由表
package routing

import (
	"errors"
	"sort"
	"sync"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
)

// ErrDuplicateSource 该来源频道已在路由表中
var ErrDuplicateSource = errors.New("source already routed")

// ErrDuplicateChat 该目标会话已在路由表中
var ErrDuplicateChat = errors.New("chat already routed")

// Entry 路由条目：规范来源 ID -> 目标会话及其策略
type Entry struct {
	SourceID int64
	Entity   *network.Entity
	Channel  *models.Channel
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		SourceID: e.SourceID,
		Entity:   e.Entity,
		Channel:  e.Channel.Clone(),
	}
}

// Table 并发安全的路由表
// 读操作返回副本，修改只能通过方法进行
type Table struct {
	mu       sync.RWMutex
	bySource map[int64]*Entry
	byChat   map[int64]int64
}

// NewTable 创建空路由表
func NewTable() *Table {
	return &Table{
		bySource: make(map[int64]*Entry),
		byChat:   make(map[int64]int64),
	}
}

// Add 添加条目
func (t *Table) Add(entry *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.bySource[entry.SourceID]; ok {
		return ErrDuplicateSource
	}
	if _, ok := t.byChat[entry.Channel.ChatID]; ok {
		return ErrDuplicateChat
	}

	stored := entry.clone()
	t.bySource[stored.SourceID] = stored
	t.byChat[stored.Channel.ChatID] = stored.SourceID
	return nil
}

// Remove 按目标会话移除条目
func (t *Table) Remove(chatID int64) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sourceID, ok := t.byChat[chatID]
	if !ok {
		return nil, false
	}
	entry := t.bySource[sourceID]
	delete(t.byChat, chatID)
	delete(t.bySource, sourceID)
	return entry, true
}

// Replace 用新的频道记录替换已有条目的策略
func (t *Table) Replace(channel *models.Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sourceID, ok := t.byChat[channel.ChatID]
	if !ok {
		return false
	}
	t.bySource[sourceID].Channel = channel.Clone()
	return true
}

// SetEnabled 更新条目的启用状态
func (t *Table) SetEnabled(chatID int64, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sourceID, ok := t.byChat[chatID]
	if !ok {
		return false
	}
	t.bySource[sourceID].Channel.Enabled = enabled
	return true
}

// BySource 按规范来源 ID 查找
func (t *Table) BySource(sourceID int64) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.bySource[sourceID]
	return entry.clone(), ok
}

// ByChat 按目标会话 ID 查找
func (t *Table) ByChat(chatID int64) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sourceID, ok := t.byChat[chatID]
	if !ok {
		return nil, false
	}
	return t.bySource[sourceID].clone(), true
}

// IsRouted 目标会话是否为已路由的广播
func (t *Table) IsRouted(chatID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.byChat[chatID]
	return ok
}

// SourceIDs 当前监听的来源 ID 集合
func (t *Table) SourceIDs() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int64, 0, len(t.bySource))
	for id := range t.bySource {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries 所有条目（按目标会话 ID 排序）
func (t *Table) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]*Entry, 0, len(t.bySource))
	for _, entry := range t.bySource {
		entries = append(entries, entry.clone())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Channel.ChatID < entries[j].Channel.ChatID
	})
	return entries
}

// Len 条目数量
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bySource)
}
