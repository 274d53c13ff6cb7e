package backfill

import (
	"sync"
	"time"
)

// Debouncer 每个广播共享的冷却窗口
// 进入时即记录尝试时间，补发自身触发的加入类事件会被冷却吸收
type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[int64]time.Time
	now      func() time.Time
}

// NewDebouncer 创建冷却器
func NewDebouncer(cooldown time.Duration) *Debouncer {
	return &Debouncer{
		cooldown: cooldown,
		last:     make(map[int64]time.Time),
		now:      time.Now,
	}
}

// Allow 冷却期外返回 true 并记录本次尝试
func (d *Debouncer) Allow(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.last[chatID]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.last[chatID] = now
	return true
}

// Done 记录完成时间作为新的冷却起点
func (d *Debouncer) Done(chatID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[chatID] = d.now()
}
