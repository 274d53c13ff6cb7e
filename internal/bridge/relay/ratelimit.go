package relay

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 补发写入节流
// 按理论到达时间排队：每次放行把下一次可用时间推后一个间隔，最多提前 burst 个间隔
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	slack    time.Duration // (burst-1) * interval
	next     time.Time
	now      func() time.Time
}

// NewRateLimiter 每秒放行 ratePerSecond 次，允许同样数量的突发
// ratePerSecond <= 0 时返回 nil，nil 限制器不做限制
func NewRateLimiter(ratePerSecond int) *RateLimiter {
	if ratePerSecond <= 0 {
		return nil
	}
	interval := time.Second / time.Duration(ratePerSecond)
	return &RateLimiter{
		interval: interval,
		slack:    time.Duration(ratePerSecond-1) * interval,
		now:      time.Now,
	}
}

// reserve 占用一个名额，返回需要等待的时长
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.next.Before(now) {
		r.next = now
	}
	wait := r.next.Sub(now) - r.slack
	r.next = r.next.Add(r.interval)
	if wait < 0 {
		return 0
	}
	return wait
}

// Wait 阻塞到放行或 ctx 取消
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	wait := r.reserve()
	if wait == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
