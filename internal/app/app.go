package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gotd/td/telegram"

	"dc_bridge/internal/bridge"
	"dc_bridge/internal/bridge/backfill"
	"dc_bridge/internal/bridge/queue"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/bridge/service"
	"dc_bridge/internal/config"
	"dc_bridge/internal/deltachat"
	"dc_bridge/internal/logger"
	"dc_bridge/internal/metrics"
	"dc_bridge/internal/notify"
	tgclient "dc_bridge/internal/telegram"
)

// App 应用服务容器
// 负责管理所有服务的生命周期（初始化、运行、关闭）
type App struct {
	cfg       *config.Config
	storage   *storage
	DeltaChat *deltachat.Client
	AccountID int64
	Channels  service.ChannelService
	Admins    service.AdminService
	table     *routing.Table
}

// New 初始化存储与 Delta Chat 账号
// 任何服务初始化失败都会清理已初始化的服务并返回错误
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg, table: routing.NewTable()}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	app.storage = store

	dc, err := deltachat.Start(ctx, deltachat.Config{
		RPCServer:   cfg.DeltaChat.RPCServer,
		AccountsDir: cfg.DeltaChat.AccountsDir,
	})
	if err != nil {
		_ = app.Close(ctx)
		return nil, fmt.Errorf("init Delta Chat failed: %w", err)
	}
	app.DeltaChat = dc

	accountID, err := dc.SelectAccount(ctx, cfg.DeltaChat.AccountID)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	if err := dc.Configure(ctx, accountID, cfg.DeltaChat.DisplayName); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	if err := dc.StartIO(ctx, accountID); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	app.AccountID = accountID
	logger.L().Infof("Delta Chat account %d selected", accountID)

	app.Channels = service.NewChannelService(accountID, store.channels, app.table)
	app.Admins = service.NewAdminService(store.admins, cfg.Admin.Secret)
	if err := app.Admins.Seed(ctx, cfg.Admin.ContactIDs); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	return app, nil
}

// Run 建立 Telegram 会话并运行桥接，直到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	if err := a.cfg.ValidateTelegram(); err != nil {
		return err
	}

	tg, err := tgclient.NewClient(tgclient.Config{
		APIID:       a.cfg.Telegram.APIID,
		APIHash:     a.cfg.Telegram.APIHash,
		Phone:       a.cfg.Telegram.Phone,
		Password:    a.cfg.Telegram.Password,
		SessionFile: a.cfg.Telegram.SessionFile,
		MediaDir:    a.cfg.Relay.MediaDir,
		LogLevel:    a.cfg.Log.ZapLevel,
		Device: telegram.DeviceConfig{
			DeviceModel:    a.cfg.Telegram.DeviceModel,
			SystemVersion:  a.cfg.Telegram.SystemVersion,
			AppVersion:     a.cfg.Telegram.AppVersion,
			LangCode:       a.cfg.Telegram.LangCode,
			SystemLangCode: a.cfg.Telegram.SystemLangCode,
		},
	})
	if err != nil {
		return fmt.Errorf("init Telegram failed: %w", err)
	}

	notifier, err := notify.New(notify.Config{
		Token:   a.cfg.Notify.TelegramToken,
		ChatIDs: a.cfg.Notify.ChatIDs,
	})
	if err != nil {
		return err
	}

	b := bridge.New(bridge.Deps{
		Source:   tg,
		Dest:     a.DeltaChat,
		Channels: a.Channels,
		Admins:   a.Admins,
		Messages: a.storage.messages,
		Table:    a.table,
		Work:     queue.New(0),
		Notifier: notifier,
	}, bridge.Options{
		AccountID:      a.AccountID,
		HistoryEnabled: a.cfg.History.Enabled,
		SendStart:      a.cfg.DeltaChat.SendStart,
		SenderNames:    a.cfg.Relay.SenderNames,
		Backfill: backfill.Options{
			Limit:    a.cfg.History.Limit,
			Cooldown: a.cfg.History.Cooldown,
			Rate:     a.cfg.Relay.BackfillRate,
		},
	})
	tg.SetHandler(b)

	if a.cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Listen); err != nil {
				logger.L().Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	seeds := a.seeds()
	err = tg.Run(ctx, func(ctx context.Context) error {
		return b.Run(ctx, seeds)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seeds 配置文件中的预置频道
func (a *App) seeds() []bridge.Seed {
	seeds := make([]bridge.Seed, 0, len(a.cfg.Channels))
	for _, c := range a.cfg.Channels {
		seeds = append(seeds, bridge.Seed{Channel: c.ToChannel(), SyncNow: c.SyncNow, Avatar: c.Avatar})
	}
	return seeds
}

// PrintLinks 输出所有已注册频道的邀请二维码内容
func (a *App) PrintLinks(ctx context.Context, w io.Writer) error {
	channels, err := a.Channels.List(ctx)
	if err != nil {
		return err
	}
	for _, channel := range channels {
		qr, err := a.DeltaChat.GetInviteQR(ctx, a.AccountID, channel.ChatID)
		if err != nil {
			logger.L().Warnf("Failed to get invite for chat %d: %v", channel.ChatID, err)
			continue
		}
		fmt.Fprintf(w, "%d\t%s\n%s\n\n", channel.ChatID, channel.Name, qr)
	}
	return nil
}

// InitAccount 通过 dcaccount 二维码创建 Delta Chat 机器人账号
func InitAccount(ctx context.Context, cfg *config.Config, qr string) (int64, error) {
	dc, err := deltachat.Start(ctx, deltachat.Config{
		RPCServer:   cfg.DeltaChat.RPCServer,
		AccountsDir: cfg.DeltaChat.AccountsDir,
	})
	if err != nil {
		return 0, fmt.Errorf("init Delta Chat failed: %w", err)
	}
	defer dc.Close()

	return dc.InitAccount(ctx, qr, cfg.DeltaChat.DisplayName)
}

// Close 优雅关闭所有服务
// 应该在应用退出时调用，确保资源正确释放
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.DeltaChat != nil {
		if err := a.DeltaChat.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close Delta Chat failed: %w", err))
		}
	}
	if a.storage != nil {
		if err := a.storage.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close storage failed: %w", err))
		}
	}
	return errors.Join(errs...)
}
