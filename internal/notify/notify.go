// Package notify 通过 Telegram Bot 向管理员推送运行通知
package notify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"

	"dc_bridge/internal/logger"
)

// Config 通知配置
type Config struct {
	Token     string
	ChatIDs   []int64
	ServerURL string // 测试时覆盖 Bot API 地址
}

// Notifier Telegram Bot 通知器
type Notifier struct {
	bot     *bot.Bot
	chatIDs []int64
}

// New 创建通知器；未配置 token 或接收者时返回 Nop
func New(cfg Config) (Interface, error) {
	if cfg.Token == "" || len(cfg.ChatIDs) == 0 {
		logger.L().Info("Admin notifications disabled")
		return Nop{}, nil
	}

	opts := []bot.Option{bot.WithSkipGetMe()}
	if cfg.ServerURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.ServerURL))
	}

	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notify bot: %w", err)
	}

	logger.L().Infof("Admin notifications enabled for %d chat(s)", len(cfg.ChatIDs))
	return &Notifier{bot: b, chatIDs: cfg.ChatIDs}, nil
}

// Interface 通知能力
type Interface interface {
	Notify(ctx context.Context, text string)
}

// Notify 向所有接收者发送通知，失败只记录日志
func (n *Notifier) Notify(ctx context.Context, text string) {
	for _, chatID := range n.chatIDs {
		params := &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		}
		if _, err := n.bot.SendMessage(ctx, params); err != nil {
			logger.L().Errorf("Failed to send notification to chat %d: %v", chatID, err)
		}
	}
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Notify(context.Context, string) {}
