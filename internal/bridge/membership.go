package bridge

import (
	"context"
	"fmt"

	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/logger"
)

// reconcileMembership 按广播订阅人数自动暂停/恢复镜像
// 无订阅者时暂停，重新有订阅者时恢复
func (b *Bridge) reconcileMembership(ctx context.Context, chatID int64) {
	if !b.table.IsRouted(chatID) {
		return
	}

	recipients, err := b.countRecipients(ctx, chatID)
	if err != nil {
		logger.L().Warnf("Failed to count recipients of chat %d: %v", chatID, err)
		return
	}

	enabled := recipients > 0
	changed, err := b.channels.SetEnabled(ctx, chatID, enabled)
	if err != nil {
		logger.L().Errorf("Failed to update channel %d after membership change: %v", chatID, err)
		return
	}
	if !changed {
		return
	}

	if enabled {
		logger.L().Infof("Channel %d resumed: %d recipients", chatID, recipients)
		b.notifier.Notify(ctx, fmt.Sprintf("▶️ Channel %d resumed (%d recipients)", chatID, recipients))
	} else {
		logger.L().Infof("Channel %d paused: no recipients left", chatID)
		b.notifier.Notify(ctx, fmt.Sprintf("⏸ Channel %d paused (no recipients)", chatID))
	}
}

// recipientsGrew 订阅人数是否比上次观察时增加
// 首次观察到有订阅者也视为增加
func (b *Bridge) recipientsGrew(ctx context.Context, chatID int64) bool {
	if !b.opts.HistoryEnabled || chatID == 0 || !b.table.IsRouted(chatID) {
		return false
	}
	recipients, err := b.countRecipients(ctx, chatID)
	if err != nil {
		logger.L().Warnf("Failed to count recipients of chat %d: %v", chatID, err)
		return false
	}

	b.membersMu.Lock()
	defer b.membersMu.Unlock()
	prev := b.members[chatID]
	b.members[chatID] = recipients
	return recipients > prev
}

// countRecipients 统计广播成员（不含自身）
func (b *Bridge) countRecipients(ctx context.Context, chatID int64) (int, error) {
	contacts, err := b.dest.GetChatContacts(ctx, b.opts.AccountID, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to get chat contacts: %w", err)
	}
	count := 0
	for _, id := range contacts {
		if id != network.SelfContactID {
			count++
		}
	}
	return count, nil
}
