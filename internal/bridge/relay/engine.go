// Package relay 将 Telegram 频道消息写入 Delta Chat 广播并记录映射
package relay

import (
	"context"
	"errors"
	"time"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/repository"
	"dc_bridge/internal/logger"
	"dc_bridge/internal/metrics"
)

// Outcome 单条消息的转发结果
type Outcome int

const (
	OutcomeRelayed Outcome = iota // 已写入目标端并记录
	OutcomeReused                 // 已有存活映射，未重复写入
	OutcomeDropped                // 频道停用或无可转发内容
	OutcomeFailed                 // 写入失败
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRelayed:
		return "relayed"
	case OutcomeReused:
		return "reused"
	case OutcomeDropped:
		return "dropped"
	default:
		return "failed"
	}
}

// ChannelReader 读取频道当前配置（注册表为准）
type ChannelReader interface {
	Get(ctx context.Context, chatID int64) (*models.Channel, error)
}

// Options 转发选项
type Options struct {
	AccountID   int64
	SenderNames bool // 以作者署名/频道标题覆盖发送者显示名
}

// Engine 转发引擎
type Engine struct {
	source   network.Source
	dest     network.Destination
	channels ChannelReader
	messages repository.MessageRepository
	opts     Options
}

// NewEngine 创建转发引擎
func NewEngine(
	source network.Source,
	dest network.Destination,
	channels ChannelReader,
	messages repository.MessageRepository,
	opts Options,
) *Engine {
	return &Engine{
		source:   source,
		dest:     dest,
		channels: channels,
		messages: messages,
		opts:     opts,
	}
}

// payload 准备写入目标端的内容
type payload struct {
	text string
	file string
	kind models.MediaKind
}

// Relay 转发一条消息到指定广播
// 失败时返回 Outcome 与原因，调用方负责记录日志
func (e *Engine) Relay(ctx context.Context, msg *network.SourceMessage, chatID int64) (Outcome, error) {
	start := time.Now()
	outcome, err := e.relay(ctx, msg, chatID)
	metrics.RecordRelay(outcome.String(), time.Since(start))
	return outcome, err
}

func (e *Engine) relay(ctx context.Context, msg *network.SourceMessage, chatID int64) (Outcome, error) {
	channel, err := e.channels.Get(ctx, chatID)
	if err != nil {
		if models.IsNotFound(err) {
			return OutcomeDropped, nil
		}
		return OutcomeFailed, err
	}
	if !channel.Enabled {
		logger.L().Debugf("Channel disabled, dropping message: chat_id=%d, source_msg_id=%d", chatID, msg.ID)
		return OutcomeDropped, nil
	}

	if reused, err := e.reuse(ctx, chatID, msg.ID); err != nil {
		return OutcomeFailed, err
	} else if reused {
		return OutcomeReused, nil
	}

	p := e.prepare(ctx, msg, channel)
	if p.text == "" && p.file == "" {
		return OutcomeDropped, nil
	}

	out := network.OutgoingMessage{
		Text:            p.text,
		File:            p.file,
		QuotedMessageID: e.quotedID(ctx, chatID, msg.ReplyToID),
	}
	if e.opts.SenderNames {
		out.OverrideSenderName = msg.SenderName
	}

	destID, err := e.dest.SendMessage(ctx, e.opts.AccountID, chatID, out)
	if err != nil {
		failure := &models.SendFailure{ChatID: chatID, Err: err}
		logger.L().Errorf("Relay failed: source_msg_id=%d: %v", msg.ID, failure)
		return OutcomeFailed, failure
	}

	record := &models.RelayedMessage{
		ChatID:          chatID,
		SourceMessageID: msg.ID,
		DestMessageID:   destID,
		Text:            p.text,
		MediaPath:       p.file,
		MediaKind:       p.kind,
	}
	if err := e.messages.Upsert(ctx, record); err != nil {
		// 消息已送达，但映射未保存
		logger.L().Errorf("Relayed message not recorded: chat_id=%d, source_msg_id=%d, dest_msg_id=%d: %v",
			chatID, msg.ID, destID, err)
		return OutcomeRelayed, err
	}

	logger.L().Debugf("Relayed: chat_id=%d, source_msg_id=%d, dest_msg_id=%d, kind=%s",
		chatID, msg.ID, destID, p.kind)
	return OutcomeRelayed, nil
}

// reuse 已有存活映射时跳过写入
func (e *Engine) reuse(ctx context.Context, chatID, sourceID int64) (bool, error) {
	existing, err := e.messages.GetBySourceID(ctx, chatID, sourceID)
	if err != nil {
		if models.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !existing.Delivered() {
		return false, nil
	}

	live, err := LiveIDs(ctx, e.dest, e.opts.AccountID, []int64{existing.DestMessageID})
	if err != nil {
		logger.L().Warnf("Liveness check failed, relaying again: chat_id=%d, dest_msg_id=%d: %v",
			chatID, existing.DestMessageID, err)
		return false, nil
	}
	return live[existing.DestMessageID], nil
}

// prepare 按媒体策略生成正文与附件
func (e *Engine) prepare(ctx context.Context, msg *network.SourceMessage, channel *models.Channel) payload {
	p := payload{text: msg.Text, kind: models.MediaKindText}

	var rule models.MediaRule
	switch msg.Media {
	case network.MediaNone:
		return p
	case network.MediaPhoto:
		rule = channel.Media.Photo
		p.kind = models.MediaKindImage
	case network.MediaVideo:
		rule = channel.Media.Video
		p.kind = models.MediaKindVideo
	default:
		rule = models.MediaRule{Enabled: true, FallbackText: models.DefaultFileFallback}
		p.kind = models.MediaKindFile
	}

	if !rule.Enabled {
		p.text = withFallback(rule.FallbackText, msg.Text)
		p.kind = models.MediaKindText
		return p
	}

	path, err := e.source.DownloadMedia(ctx, msg)
	if err != nil {
		logger.L().Warnf("Media download failed, using fallback text: chat_id=%d, source_msg_id=%d: %v",
			channel.ChatID, msg.ID, err)
		p.text = withFallback(rule.FallbackText, msg.Text)
		p.kind = models.MediaKindText
		return p
	}
	p.file = path
	return p
}

// quotedID 回复目标在同一广播中的存活消息 ID，找不到或已删除时返回 0
func (e *Engine) quotedID(ctx context.Context, chatID, replyTo int64) int64 {
	if replyTo == 0 {
		return 0
	}
	parent, err := e.messages.GetBySourceID(ctx, chatID, replyTo)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logger.L().Warnf("Reply lookup failed: chat_id=%d, reply_to=%d: %v", chatID, replyTo, err)
		}
		return 0
	}
	if !parent.Delivered() {
		return 0
	}

	// 引用已删除的消息会使整条发送失败
	live, err := LiveIDs(ctx, e.dest, e.opts.AccountID, []int64{parent.DestMessageID})
	if err != nil {
		logger.L().Warnf("Reply liveness check failed, sending without quote: chat_id=%d, dest_msg_id=%d: %v",
			chatID, parent.DestMessageID, err)
		return 0
	}
	if !live[parent.DestMessageID] {
		logger.L().Debugf("Reply parent no longer exists: chat_id=%d, dest_msg_id=%d", chatID, parent.DestMessageID)
		return 0
	}
	return parent.DestMessageID
}

// withFallback 占位文本在前，原有说明文字另起一行
func withFallback(fallback, caption string) string {
	if caption == "" {
		return fallback
	}
	if fallback == "" {
		return caption
	}
	return fallback + "\n" + caption
}

// LiveIDs 检查目标端消息是否仍存在
func LiveIDs(ctx context.Context, dest network.Destination, accountID int64, ids []int64) (map[int64]bool, error) {
	live := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return live, nil
	}
	existing, err := dest.GetExistingMessageIDs(ctx, accountID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range existing {
		live[id] = true
	}
	return live, nil
}
