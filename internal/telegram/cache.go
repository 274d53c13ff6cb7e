package telegram

import (
	"sync"
	"time"

	"github.com/gotd/td/tg"
)

type peerCacheEntry struct {
	channel *tg.Channel
	expires time.Time
}

// peerCache 频道访问凭据缓存（channel id -> *tg.Channel）
// ttl <= 0 时条目不过期
type peerCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	values map[int64]peerCacheEntry
	now    func() time.Time
}

func newPeerCache(ttl time.Duration) *peerCache {
	return &peerCache{
		ttl:    ttl,
		values: make(map[int64]peerCacheEntry),
		now:    time.Now,
	}
}

func (c *peerCache) Get(channelID int64) (*tg.Channel, bool) {
	c.mu.RLock()
	entry, ok := c.values[channelID]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.ttl > 0 && c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.values, channelID)
		c.mu.Unlock()
		return nil, false
	}

	return entry.channel, true
}

func (c *peerCache) Set(channel *tg.Channel) {
	if channel == nil {
		return
	}

	c.mu.Lock()
	c.values[channel.ID] = peerCacheEntry{
		channel: channel,
		expires: c.now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Collect 缓存 chats 中的所有频道，返回缓存的频道
func (c *peerCache) Collect(chats []tg.ChatClass) []*tg.Channel {
	var out []*tg.Channel
	for _, chat := range chats {
		if channel, ok := chat.(*tg.Channel); ok {
			c.Set(channel)
			out = append(out, channel)
		}
	}
	return out
}

// CollectMap 缓存更新附带的频道实体
func (c *peerCache) CollectMap(channels map[int64]*tg.Channel) {
	for _, channel := range channels {
		c.Set(channel)
	}
}
