package bridge

import (
	"context"
	"sync"

	"dc_bridge/internal/logger"
)

// chatTask 单个广播上的一次任务
type chatTask struct {
	name string
	fn   func(ctx context.Context)
}

// ChatQueue 按广播串行执行任务
// 同一广播的实时转发与历史补发按提交顺序依次执行，不同广播互不阻塞
type ChatQueue struct {
	ctx       context.Context
	queueSize int

	mu     sync.Mutex
	queues map[int64]chan chatTask
	closed bool
	wg     sync.WaitGroup
}

// NewChatQueue 创建按广播串行的任务队列
// queueSize: 每个广播的任务队列大小
func NewChatQueue(ctx context.Context, queueSize int) *ChatQueue {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &ChatQueue{
		ctx:       ctx,
		queueSize: queueSize,
		queues:    make(map[int64]chan chatTask),
	}
}

// Submit 提交任务，队列已满或已关闭时丢弃并返回 false
func (q *ChatQueue) Submit(chatID int64, name string, fn func(ctx context.Context)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		logger.L().Warnf("Chat queue closed, task dropped: chat_id=%d, task=%s", chatID, name)
		return false
	}

	ch, ok := q.queues[chatID]
	if !ok {
		ch = make(chan chatTask, q.queueSize)
		q.queues[chatID] = ch
		q.wg.Add(1)
		go q.worker(chatID, ch)
	}

	select {
	case ch <- chatTask{name: name, fn: fn}:
		return true
	default:
		logger.L().Warnf("Chat queue is full, task dropped: chat_id=%d, task=%s", chatID, name)
		return false
	}
}

// worker 工作协程
func (q *ChatQueue) worker(chatID int64, ch chan chatTask) {
	defer q.wg.Done()

	logger.L().Debugf("Chat worker %d started", chatID)
	for task := range ch {
		q.run(chatID, task)
	}
	logger.L().Debugf("Chat worker %d stopped", chatID)
}

// run 执行任务，带 panic recovery
func (q *ChatQueue) run(chatID int64, task chatTask) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Errorf("Chat worker %d: task %s panic recovered: %v", chatID, task.name, r)
		}
	}()
	task.fn(q.ctx)
}

// Shutdown 关闭队列并等待已提交的任务执行完毕
func (q *ChatQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.queues {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
	logger.L().Info("Chat queues shut down successfully")
}
