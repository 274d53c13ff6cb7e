package deltachat

import (
	"context"
	"errors"
	"fmt"

	"dc_bridge/internal/logger"
)

// ErrNoAccount 没有已配置的账号
var ErrNoAccount = errors.New("no configured Delta Chat account, run with -init <dcaccount-qr> first")

// SelectAccount 返回要使用的账号：指定 ID 时校验其已配置，否则取第一个已配置的账号
func (c *Client) SelectAccount(ctx context.Context, accountID int64) (int64, error) {
	if accountID != 0 {
		configured, err := c.isConfigured(ctx, accountID)
		if err != nil {
			return 0, err
		}
		if !configured {
			return 0, fmt.Errorf("account %d: %w", accountID, ErrNoAccount)
		}
		return accountID, nil
	}

	var ids []int64
	if err := c.call(ctx, "get_all_account_ids", &ids); err != nil {
		return 0, err
	}
	for _, id := range ids {
		configured, err := c.isConfigured(ctx, id)
		if err != nil {
			return 0, err
		}
		if configured {
			return id, nil
		}
	}
	return 0, ErrNoAccount
}

func (c *Client) isConfigured(ctx context.Context, accountID int64) (bool, error) {
	var configured bool
	if err := c.call(ctx, "is_configured", &configured, accountID); err != nil {
		return false, err
	}
	return configured, nil
}

// InitAccount 新建账号并通过 dcaccount 二维码完成配置
func (c *Client) InitAccount(ctx context.Context, qr, displayName string) (int64, error) {
	var accountID int64
	if err := c.call(ctx, "add_account", &accountID); err != nil {
		return 0, err
	}
	if err := c.Configure(ctx, accountID, displayName); err != nil {
		return 0, err
	}
	if err := c.call(ctx, "add_transport_from_qr", nil, accountID, qr); err != nil {
		return 0, err
	}
	logger.L().Infof("Delta Chat account %d configured", accountID)
	return accountID, nil
}

// Configure 设置机器人账号参数
func (c *Client) Configure(ctx context.Context, accountID int64, displayName string) error {
	if err := c.setConfig(ctx, accountID, "bot", "1"); err != nil {
		return err
	}
	if displayName != "" {
		if err := c.setConfig(ctx, accountID, "displayname", displayName); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) setConfig(ctx context.Context, accountID int64, key, value string) error {
	return c.call(ctx, "set_config", nil, accountID, key, value)
}

// StartIO 启动账号的网络收发
func (c *Client) StartIO(ctx context.Context, accountID int64) error {
	return c.call(ctx, "start_io", nil, accountID)
}
