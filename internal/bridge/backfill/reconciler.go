// Package backfill 新成员加入时向广播补发最近的历史消息
package backfill

import (
	"context"
	"errors"
	"sort"
	"time"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/relay"
	"dc_bridge/internal/bridge/repository"
	"dc_bridge/internal/logger"
	"dc_bridge/internal/metrics"

	"github.com/google/uuid"
)

// 补发结果
const (
	ResultCompleted = "completed"
	ResultPartial   = "partial"
	ResultSkipped   = "skipped"
)

// Relayer 单条消息完整转发
type Relayer interface {
	Relay(ctx context.Context, msg *network.SourceMessage, chatID int64) (relay.Outcome, error)
}

// Options 补发配置
type Options struct {
	AccountID int64
	Limit     int           // 历史条数 N，默认 10
	Cooldown  time.Duration // 冷却窗口，默认 10s
	Rate      int           // 补发转发速率（条/秒），<= 0 不限速
}

// Report 一次补发的统计
type Report struct {
	ID      string
	ChatID  int64
	Result  string
	Valid   int // 账本中仍存活的记录数
	Fetched int // 从来源拉取的有内容消息数
	Resent  int // 通过重发已有消息补发的条数
	Relayed int // 完整转发的条数
	Failed  int
}

// Reconciler 历史补发器
type Reconciler struct {
	source    network.Source
	dest      network.Destination
	channels  relay.ChannelReader
	messages  repository.MessageRepository
	relayer   Relayer
	debouncer *Debouncer
	limiter   *relay.RateLimiter
	opts      Options
}

// NewReconciler 创建补发器
func NewReconciler(
	source network.Source,
	dest network.Destination,
	channels relay.ChannelReader,
	messages repository.MessageRepository,
	relayer Relayer,
	opts Options,
) *Reconciler {
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	return &Reconciler{
		source:    source,
		dest:      dest,
		channels:  channels,
		messages:  messages,
		relayer:   relayer,
		debouncer: NewDebouncer(opts.Cooldown),
		limiter:   relay.NewRateLimiter(opts.Rate),
		opts:      opts,
	}
}

// Run 对一个广播执行一次补发
func (r *Reconciler) Run(ctx context.Context, entity *network.Entity, chatID int64) (*Report, error) {
	report := &Report{ID: uuid.New().String(), ChatID: chatID, Result: ResultSkipped}

	if !r.debouncer.Allow(chatID) {
		logger.L().Debugf("Backfill suppressed by cooldown: chat_id=%d", chatID)
		metrics.RecordBackfillPass(report.Result, 0, 0, 0)
		return report, nil
	}
	defer r.debouncer.Done(chatID)

	channel, err := r.channels.Get(ctx, chatID)
	if err != nil {
		return report, err
	}
	if !channel.Enabled {
		logger.L().Debugf("Backfill skipped for disabled channel: chat_id=%d", chatID)
		return report, nil
	}

	logger.L().Infof("Starting backfill: pass_id=%s, chat_id=%d, limit=%d", report.ID, chatID, r.opts.Limit)
	start := time.Now()

	err = r.run(ctx, entity, chatID, report)

	report.Result = ResultCompleted
	if err != nil || report.Failed > 0 {
		report.Result = ResultPartial
	}
	metrics.RecordBackfillPass(report.Result, report.Resent, report.Relayed, report.Failed)

	logger.L().Infof("Backfill finished: pass_id=%s, chat_id=%d, result=%s, valid=%d, fetched=%d, resent=%d, relayed=%d, failed=%d, duration=%v",
		report.ID, chatID, report.Result, report.Valid, report.Fetched, report.Resent, report.Relayed, report.Failed, time.Since(start))
	return report, err
}

func (r *Reconciler) run(ctx context.Context, entity *network.Entity, chatID int64, report *Report) error {
	n := r.opts.Limit

	// 新成员看到的会话需先接受并标记已读，失败不影响补发
	if err := r.dest.AcceptChat(ctx, r.opts.AccountID, chatID); err != nil {
		logger.L().Warnf("Failed to accept chat %d: %v", chatID, err)
	}
	if err := r.dest.MarkNoticed(ctx, r.opts.AccountID, chatID); err != nil {
		logger.L().Warnf("Failed to mark chat %d noticed: %v", chatID, err)
	}

	rows, err := r.messages.ListLatest(ctx, chatID, n)
	if err != nil {
		return err
	}
	valid, err := r.liveRows(ctx, rows)
	if err != nil {
		return err
	}
	// 行号是写入顺序，补发过的旧消息行号更大；重发按来源消息顺序
	sort.Slice(valid, func(i, j int) bool {
		return valid[i].SourceMessageID < valid[j].SourceMessageID
	})
	report.Valid = len(valid)

	if len(valid) >= n {
		r.resend(ctx, destIDs(valid), report)
		return nil
	}

	window, err := r.fetchWindow(ctx, entity, 2*n)
	if err != nil {
		return err
	}
	report.Fetched = len(window)

	mapped, err := r.mapWindow(ctx, chatID, window, valid)
	if err != nil {
		return err
	}

	// 选出最新的 N - valid 条未映射消息进行完整转发
	budget := n - len(valid)
	selected := make(map[int64]bool)
	for i := len(window) - 1; i >= 0 && len(selected) < budget; i-- {
		if _, ok := mapped[window[i].ID]; !ok {
			selected[window[i].ID] = true
		}
	}

	inWindow := make(map[int64]bool, len(window))
	for _, msg := range window {
		inWindow[msg.ID] = true
	}

	var batch []int64
	for _, row := range valid {
		if !inWindow[row.SourceMessageID] {
			batch = append(batch, row.DestMessageID)
		}
	}

	for _, msg := range window {
		if destID, ok := mapped[msg.ID]; ok {
			batch = append(batch, destID)
			continue
		}
		if !selected[msg.ID] {
			continue
		}

		// 先发出已有消息，保持时间顺序
		r.resend(ctx, batch, report)
		batch = nil

		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		r.relayOne(ctx, msg, chatID, report)
	}
	r.resend(ctx, batch, report)
	return ctx.Err()
}

// liveRows 过滤出目标端仍存在的记录
func (r *Reconciler) liveRows(ctx context.Context, rows []*models.RelayedMessage) ([]*models.RelayedMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	live, err := relay.LiveIDs(ctx, r.dest, r.opts.AccountID, destIDs(rows))
	if err != nil {
		return nil, err
	}
	valid := make([]*models.RelayedMessage, 0, len(rows))
	for _, row := range rows {
		if live[row.DestMessageID] {
			valid = append(valid, row)
		}
	}
	return valid, nil
}

// fetchWindow 最近 limit 条来源消息中有内容的部分（旧 -> 新）
func (r *Reconciler) fetchWindow(ctx context.Context, entity *network.Entity, limit int) ([]*network.SourceMessage, error) {
	recent, err := r.source.RecentMessages(ctx, entity, limit)
	if err != nil {
		return nil, err
	}
	window := make([]*network.SourceMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].HasContent() {
			window = append(window, recent[i])
		}
	}
	return window, nil
}

// mapWindow 来源消息 ID -> 存活的目标消息 ID
// 除最近 N 条外，窗口内更早的记录也需要核实存活
func (r *Reconciler) mapWindow(ctx context.Context, chatID int64, window []*network.SourceMessage, valid []*models.RelayedMessage) (map[int64]int64, error) {
	mapped := make(map[int64]int64, len(window))
	for _, row := range valid {
		mapped[row.SourceMessageID] = row.DestMessageID
	}

	var candidates []*models.RelayedMessage
	for _, msg := range window {
		if _, ok := mapped[msg.ID]; ok {
			continue
		}
		row, err := r.messages.GetBySourceID(ctx, chatID, msg.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if row.Delivered() {
			candidates = append(candidates, row)
		}
	}

	live, err := r.liveRows(ctx, candidates)
	if err != nil {
		return nil, err
	}
	for _, row := range live {
		mapped[row.SourceMessageID] = row.DestMessageID
	}
	return mapped, nil
}

func (r *Reconciler) resend(ctx context.Context, ids []int64, report *Report) {
	if len(ids) == 0 {
		return
	}
	if err := r.dest.ResendMessages(ctx, r.opts.AccountID, ids); err != nil {
		logger.L().Errorf("Failed to resend %d messages to chat %d: %v", len(ids), report.ChatID, err)
		report.Failed += len(ids)
		return
	}
	report.Resent += len(ids)
}

func (r *Reconciler) relayOne(ctx context.Context, msg *network.SourceMessage, chatID int64, report *Report) {
	outcome, err := r.relayer.Relay(ctx, msg, chatID)
	switch outcome {
	case relay.OutcomeRelayed:
		report.Relayed++
		if err != nil {
			logger.L().Warnf("Backfilled message not recorded: chat_id=%d, source_msg_id=%d: %v", chatID, msg.ID, err)
		}
	case relay.OutcomeFailed:
		report.Failed++
		logger.L().Errorf("Backfill relay failed: chat_id=%d, source_msg_id=%d: %v", chatID, msg.ID, err)
	}
}

func destIDs(rows []*models.RelayedMessage) []int64 {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.DestMessageID)
	}
	return ids
}
