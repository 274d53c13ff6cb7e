// Package queue 目标端事件循环投递给来源端事件循环的工作队列
package queue

import (
	"dc_bridge/internal/logger"
)

// Request 队列请求（封闭集合：Backfill / AddChannel / RemoveChannel）
type Request interface {
	request()
}

// Backfill 历史补发请求
type Backfill struct {
	ChatID int64
}

// AddChannel 新增镜像频道请求
type AddChannel struct {
	Identifier string
	NoPhoto    bool
	NoVideo    bool
	ReplyChat  int64 // 结果回复到的管理员私聊
}

// RemoveChannel 删除镜像频道请求
type RemoveChannel struct {
	ChatID    int64
	ReplyChat int64
}

func (Backfill) request()      {}
func (AddChannel) request()    {}
func (RemoveChannel) request() {}

// Queue 有界工作队列
type Queue struct {
	ch chan Request
}

// New 创建工作队列
func New(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Request, size)}
}

// Submit 非阻塞提交；队列已满时丢弃并返回 false
func (q *Queue) Submit(req Request) bool {
	select {
	case q.ch <- req:
		return true
	default:
		logger.L().Warnf("Work queue is full, request dropped: %T", req)
		return false
	}
}

// C 消费端通道
func (q *Queue) C() <-chan Request {
	return q.ch
}
