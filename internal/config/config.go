package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dc_bridge/internal/bridge/models"

	"gopkg.in/yaml.v3"
)

// MaxBackfillRate 补发速率上限（条/秒）
const MaxBackfillRate = 1000

// 存储驱动
const (
	DriverMongo  = "mongo"
	DriverSQLite = "sqlite"
)

// Config 应用程序配置
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	DeltaChat DeltaChatConfig `yaml:"deltachat"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Admin     AdminConfig     `yaml:"admin"`
	Relay     RelayConfig     `yaml:"relay"`
	History   HistoryConfig   `yaml:"history"`
	Channels  []ChannelConfig `yaml:"channels"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	ZapLevel string `yaml:"mtproto_level"` // MTProto 客户端日志级别
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver string       `yaml:"driver"` // mongo / sqlite
	Mongo  MongoConfig  `yaml:"mongo"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SQLiteConfig SQLite 配置
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DeltaChatConfig Delta Chat RPC 配置
type DeltaChatConfig struct {
	RPCServer   string `yaml:"rpc_server"`   // deltachat-rpc-server 可执行文件
	AccountsDir string `yaml:"accounts_dir"` // 账号数据目录
	AccountID   int64  `yaml:"account_id"`   // 0 表示使用第一个已配置的账号
	DisplayName string `yaml:"display_name"`
	SendStart   bool   `yaml:"send_start"` // 新建广播后发送 start 消息
}

// TelegramConfig Telegram 用户账号配置
type TelegramConfig struct {
	APIID          int    `yaml:"api_id"`
	APIHash        string `yaml:"api_hash"`
	Phone          string `yaml:"phone"`
	Password       string `yaml:"password"` // 两步验证密码
	SessionFile    string `yaml:"session_file"`
	DeviceModel    string `yaml:"device_model"`
	SystemVersion  string `yaml:"system_version"`
	AppVersion     string `yaml:"app_version"`
	LangCode       string `yaml:"lang_code"`
	SystemLangCode string `yaml:"system_lang_code"`
}

// AdminConfig 管理员配置
type AdminConfig struct {
	Secret     string  `yaml:"secret"`      // 共享密钥，私聊发送即获得管理员权限
	ContactIDs []int64 `yaml:"contact_ids"` // 预置管理员联系人 ID
}

// RelayConfig 转发配置
type RelayConfig struct {
	MediaDir     string `yaml:"media_dir"`
	SenderNames  bool   `yaml:"sender_names"`
	BackfillRate int    `yaml:"backfill_rate"` // 补发转发速率（条/秒）
}

// HistoryConfig 历史补发配置
type HistoryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Limit    int           `yaml:"limit"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// MediaRuleConfig 单一媒体类型策略
type MediaRuleConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	FallbackText string `yaml:"fallback_text"`
}

// MediaConfig 频道媒体策略
type MediaConfig struct {
	Photo MediaRuleConfig `yaml:"photo"`
	Video MediaRuleConfig `yaml:"video"`
}

// ChannelConfig 预置镜像频道
type ChannelConfig struct {
	Source    string      `yaml:"source"`
	ChatID    int64       `yaml:"chat_id"` // 0 表示启动时新建广播
	Name      string      `yaml:"name"`
	Enabled   *bool       `yaml:"enabled"`
	PhotoMode string      `yaml:"photo_mode"`
	SyncNow   bool        `yaml:"sync_now"`
	Avatar    string      `yaml:"avatar"` // 广播头像文件
	Media     MediaConfig `yaml:"media"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Listen string `yaml:"listen"` // 为空时不启动指标服务
}

// NotifyConfig 运营告警配置
type NotifyConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	ChatIDs       []int64 `yaml:"chat_ids"`
}

// Load 读取配置文件并以环境变量覆盖
// 配置文件不存在时只使用环境变量与默认值
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 环境变量覆盖
func (c *Config) applyEnv() error {
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Storage.Mongo.URI, "MONGO_URI")
	setString(&c.Storage.Mongo.Database, "MONGO_DB_NAME")
	setString(&c.Telegram.APIHash, "TG_API_HASH")
	setString(&c.Telegram.Phone, "TG_PHONE")
	setString(&c.Telegram.Password, "TG_PASSWORD")
	setString(&c.Admin.Secret, "ADMIN_SECRET")
	setString(&c.Notify.TelegramToken, "NOTIFY_BOT_TOKEN")
	setString(&c.Metrics.Listen, "METRICS_LISTEN")

	if apiID := strings.TrimSpace(os.Getenv("TG_API_ID")); apiID != "" {
		value, err := strconv.Atoi(apiID)
		if err != nil {
			return fmt.Errorf("failed to parse TG_API_ID: %w", err)
		}
		c.Telegram.APIID = value
	}

	if ids := strings.TrimSpace(os.Getenv("ADMIN_CONTACT_IDS")); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return fmt.Errorf("failed to parse ADMIN_CONTACT_IDS: %w", err)
		}
		c.Admin.ContactIDs = parsed
	}

	if ids := strings.TrimSpace(os.Getenv("NOTIFY_CHAT_IDS")); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return fmt.Errorf("failed to parse NOTIFY_CHAT_IDS: %w", err)
		}
		c.Notify.ChatIDs = parsed
	}
	return nil
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMongo
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "dc_bridge"
	}
	if c.Storage.Mongo.Timeout <= 0 {
		c.Storage.Mongo.Timeout = 10 * time.Second
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "bridge.db"
	}

	if c.DeltaChat.RPCServer == "" {
		c.DeltaChat.RPCServer = "deltachat-rpc-server"
	}
	if c.DeltaChat.AccountsDir == "" {
		c.DeltaChat.AccountsDir = "accounts"
	}

	if c.Telegram.SessionFile == "" {
		c.Telegram.SessionFile = "telegram.session"
	}
	if c.Telegram.DeviceModel == "" {
		c.Telegram.DeviceModel = "dc_bridge"
	}
	if c.Telegram.LangCode == "" {
		c.Telegram.LangCode = "en"
	}
	if c.Telegram.SystemLangCode == "" {
		c.Telegram.SystemLangCode = "en"
	}

	if c.Relay.MediaDir == "" {
		c.Relay.MediaDir = "media"
	}
	if c.Relay.BackfillRate == 0 {
		c.Relay.BackfillRate = 5
	}

	if c.History.Limit == 0 {
		c.History.Limit = 10
	}
	if c.History.Cooldown == 0 {
		c.History.Cooldown = 10 * time.Second
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			return errors.New("storage.mongo.uri (MONGO_URI) is required for the mongo driver")
		}
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			return errors.New("storage.sqlite.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.History.Limit < 0 {
		return fmt.Errorf("history.limit must be >= 0, got %d", c.History.Limit)
	}
	if c.History.Cooldown < 0 {
		return fmt.Errorf("history.cooldown must be >= 0, got %v", c.History.Cooldown)
	}
	if c.Relay.BackfillRate > MaxBackfillRate {
		return fmt.Errorf("relay.backfill_rate must be <= %d, got %d", MaxBackfillRate, c.Relay.BackfillRate)
	}

	seen := make(map[int64]bool)
	for i, ch := range c.Channels {
		if strings.TrimSpace(ch.Source) == "" {
			return fmt.Errorf("channels[%d]: source is required", i)
		}
		switch models.PhotoMode(ch.PhotoMode) {
		case "", models.PhotoModeManual, models.PhotoModeAuto:
		default:
			return fmt.Errorf("channels[%d]: invalid photo_mode %q", i, ch.PhotoMode)
		}
		if ch.ChatID != 0 {
			if seen[ch.ChatID] {
				return fmt.Errorf("channels[%d]: duplicate chat_id %d", i, ch.ChatID)
			}
			seen[ch.ChatID] = true
		}
	}
	return nil
}

// ValidateTelegram 校验 Telegram 用户账号配置
func (c *Config) ValidateTelegram() error {
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return errors.New("telegram.api_id and telegram.api_hash (TG_API_ID / TG_API_HASH) are required")
	}
	if c.Telegram.Phone == "" {
		return errors.New("telegram.phone (TG_PHONE) is required")
	}
	return nil
}

// ToChannel 转换为频道记录，未设置的字段使用默认值
func (c ChannelConfig) ToChannel() *models.Channel {
	channel := &models.Channel{
		ChatID:    c.ChatID,
		Source:    strings.TrimSpace(c.Source),
		Name:      c.Name,
		Enabled:   boolOr(c.Enabled, true),
		PhotoMode: models.PhotoMode(c.PhotoMode),
		Media: models.MediaPolicy{
			Photo: models.MediaRule{
				Enabled:      boolOr(c.Media.Photo.Enabled, true),
				FallbackText: c.Media.Photo.FallbackText,
			},
			Video: models.MediaRule{
				Enabled:      boolOr(c.Media.Video.Enabled, true),
				FallbackText: c.Media.Video.FallbackText,
			},
		},
	}
	if channel.PhotoMode == "" {
		channel.PhotoMode = models.PhotoModeManual
	}
	channel.Media.Normalize()
	return channel
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// parseIDs 解析逗号分隔的 ID 字符串
// 支持格式: "123456789" 或 "123456789,987654321"
func parseIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ID %q: %w", part, err)
		}
		ids = append(ids, id)
	}

	return ids, nil
}
