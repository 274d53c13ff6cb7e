// Package telegram 基于 MTProto 用户账号的来源网络适配器
package telegram

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/logger"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
)

// Config Telegram 用户账号配置
type Config struct {
	APIID       int
	APIHash     string
	Phone       string
	Password    string // 两步验证密码
	SessionFile string
	MediaDir    string // 下载媒体的保存目录
	Device      telegram.DeviceConfig
	LogLevel    string    // MTProto 日志级别
	CodeInput   io.Reader // 登录验证码输入，默认标准输入
}

// Client Telegram 来源客户端，实现 network.Source
type Client struct {
	cfg        Config
	client     *telegram.Client
	api        *tg.Client
	downloader *downloader.Downloader
	gaps       *updates.Manager
	peers      *peerCache

	mu      sync.RWMutex
	handler network.SourceHandler
}

var _ network.Source = (*Client)(nil)

// NewClient 创建 Telegram 客户端（需调用 Run 建立会话）
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, errors.New("telegram api id and api hash cannot be empty")
	}
	if cfg.Phone == "" {
		return nil, errors.New("telegram phone cannot be empty")
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = "telegram.session"
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = "media"
	}
	if cfg.CodeInput == nil {
		cfg.CodeInput = os.Stdin
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}

	c := &Client{
		cfg:        cfg,
		downloader: downloader.NewDownloader(),
		peers:      newPeerCache(0),
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(c.onNewChannelMessage)

	// 更新管理器跟踪 pts，断线重连后补取遗漏的频道消息
	zapLogger := logger.Zap(cfg.LogLevel)
	c.gaps = updates.New(updates.Config{
		Handler: dispatcher,
		Logger:  zapLogger.Named("gaps"),
	})

	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		Logger:         zapLogger,
		SessionStorage: &session.FileStorage{Path: cfg.SessionFile},
		UpdateHandler:  c.gaps,
		Device:         cfg.Device,
	})
	c.api = c.client.API()
	return c, nil
}

// SetHandler 设置来源事件接收者
func (c *Client) SetHandler(handler network.SourceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Client) currentHandler() network.SourceHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// Run 建立会话并在会话内执行 fn，fn 返回后断开
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			auth.Constant(c.cfg.Phone, c.cfg.Password, auth.CodeAuthenticatorFunc(c.readCode)),
			auth.SendCodeOptions{},
		)
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("failed to authenticate telegram account: %w", err)
		}

		self, err := c.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("failed to get telegram account: %w", err)
		}
		logger.L().Infof("Telegram session started: user_id=%d, username=%s", self.ID, self.Username)

		return runWithUpdates(ctx, func(ctx context.Context, opt updates.AuthOptions) error {
			return c.gaps.Run(ctx, c.api, self.ID, opt)
		}, fn)
	})
}

// updateRunner 运行更新管理器直到 ctx 取消
type updateRunner func(ctx context.Context, opt updates.AuthOptions) error

// runWithUpdates 启动更新管理器，就绪后执行 fn；fn 返回后停止管理器
func runWithUpdates(ctx context.Context, run updateRunner, fn func(ctx context.Context) error) error {
	gapsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- run(gapsCtx, updates.AuthOptions{
			OnStart: func(context.Context) { close(started) },
		})
	}()

	select {
	case <-started:
	case err := <-done:
		if err == nil {
			err = errors.New("update manager stopped before start")
		}
		return fmt.Errorf("failed to start update manager: %w", err)
	}

	err := fn(ctx)
	cancel()
	if gapsErr := <-done; gapsErr != nil && !errors.Is(gapsErr, context.Canceled) {
		logger.L().Warnf("Update manager stopped with error: %v", gapsErr)
	}
	return err
}

// readCode 从输入读取登录验证码
func (c *Client) readCode(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	fmt.Print("Enter the Telegram login code: ")
	code, err := bufio.NewReader(c.cfg.CodeInput).ReadString('\n')
	if err != nil && code == "" {
		return "", fmt.Errorf("failed to read login code: %w", err)
	}
	return strings.TrimSpace(code), nil
}

// onNewChannelMessage 频道新消息
func (c *Client) onNewChannelMessage(ctx context.Context, e tg.Entities, update *tg.UpdateNewChannelMessage) error {
	c.peers.CollectMap(e.Channels)

	handler := c.currentHandler()
	if handler == nil {
		return nil
	}

	switch msg := update.Message.(type) {
	case *tg.Message:
		channelID, ok := peerChannelID(msg.PeerID)
		if !ok {
			return nil
		}
		channel, _ := c.peers.Get(channelID)
		handler.OnMessage(ctx, toSourceMessage(msg, channel))
	case *tg.MessageService:
		if action := toChatAction(msg); action != nil {
			handler.OnChatAction(ctx, action)
		}
	}
	return nil
}
