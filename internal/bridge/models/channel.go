package models

import "time"

// 媒体默认占位文本
const (
	DefaultPhotoFallback = "[Photo]"
	DefaultVideoFallback = "[Video]"
	DefaultFileFallback  = "[File]"
)

// PhotoMode 频道名称/头像同步模式
type PhotoMode string

const (
	PhotoModeManual PhotoMode = "manual" // 不同步，由运营手动设置
	PhotoModeAuto   PhotoMode = "auto"   // 跟随 Telegram 频道名称与头像
)

// MediaRule 单一媒体类型的转发策略
type MediaRule struct {
	Enabled      bool   `bson:"enabled"`       // 是否下载并附带原始媒体
	FallbackText string `bson:"fallback_text"` // 关闭时替代媒体的文本
}

// MediaPolicy 频道媒体策略
type MediaPolicy struct {
	Photo MediaRule `bson:"photo"`
	Video MediaRule `bson:"video"`
}

// DefaultMediaPolicy 默认策略：图片/视频均转发
func DefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{
		Photo: MediaRule{Enabled: true, FallbackText: DefaultPhotoFallback},
		Video: MediaRule{Enabled: true, FallbackText: DefaultVideoFallback},
	}
}

// Normalize 补齐空的占位文本
func (p *MediaPolicy) Normalize() {
	if p.Photo.FallbackText == "" {
		p.Photo.FallbackText = DefaultPhotoFallback
	}
	if p.Video.FallbackText == "" {
		p.Video.FallbackText = DefaultVideoFallback
	}
}

// Channel 镜像频道（Delta Chat 广播频道 <- Telegram 频道）
// (AccountID, ChatID) 唯一确定一条记录
type Channel struct {
	AccountID int64       `bson:"account_id"` // Delta Chat 账号 ID
	ChatID    int64       `bson:"chat_id"`    // Delta Chat 广播频道 ID
	Source    string      `bson:"source"`     // Telegram 标识：数字 ID、@username 或邀请链接
	Name      string      `bson:"name"`       // 显示名称
	Enabled   bool        `bson:"enabled"`    // false 时暂停转发与历史补发
	PhotoMode PhotoMode   `bson:"photo_mode"` // 名称/头像同步模式
	Media     MediaPolicy `bson:"media"`      // 媒体策略
	CreatedAt time.Time   `bson:"created_at"`
	UpdatedAt time.Time   `bson:"updated_at"`
}

// Clone 返回副本，避免共享可变状态
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// SuppressionFlags 返回当前生效的媒体屏蔽标记（NO_PHOTO / NO_VIDEO）
func (c *Channel) SuppressionFlags() []string {
	var flags []string
	if !c.Media.Photo.Enabled {
		flags = append(flags, FlagNoPhoto)
	}
	if !c.Media.Video.Enabled {
		flags = append(flags, FlagNoVideo)
	}
	return flags
}

// 管理命令中的媒体屏蔽标记
const (
	FlagNoPhoto = "NO_PHOTO"
	FlagNoVideo = "NO_VIDEO"
)
