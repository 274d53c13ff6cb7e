// Package network 定义桥接核心所依赖的两端网络能力。
// Telegram（消息来源）与 Delta Chat（广播目标）的具体 SDK 通过适配器实现这些接口。
package network

import (
	"context"
	"errors"
)

// ErrAlreadyParticipant 通过邀请链接加入时账号已是成员
var ErrAlreadyParticipant = errors.New("already a participant")

// MediaType 来源消息的媒体分类
type MediaType int

const (
	MediaNone MediaType = iota
	MediaPhoto
	MediaVideo
	MediaFile
)

func (t MediaType) String() string {
	switch t {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaFile:
		return "file"
	default:
		return "none"
	}
}

// Entity Telegram 频道实体
type Entity struct {
	ID       int64  // 规范数字 ID（-100 前缀格式）
	Title    string // 频道标题
	Username string // 公开用户名（可为空）
	IsMember bool   // 当前账号是否已加入
	HasPhoto bool   // 是否设置了头像
	Raw      any    // 适配器内部使用的原始对象
}

// InviteStatus 邀请链接检查结果
type InviteStatus struct {
	Entity *Entity // 已是成员（或可预览）时直接返回实体
	Title  string  // 邀请对应的频道标题
}

// SourceMessage 来源频道中的一条消息
type SourceMessage struct {
	ID         int64
	ChatID     int64 // 规范数字 ID
	Text       string
	Media      MediaType
	ReplyToID  int64  // 回复的消息 ID，0 表示无
	SenderName string // 作者署名或频道标题
	Raw        any
}

// HasContent 是否包含可转发的内容（文本或任意媒体）
func (m *SourceMessage) HasContent() bool {
	return m != nil && (m.Text != "" || m.Media != MediaNone)
}

// ChatAction 来源频道元数据变更事件
type ChatAction struct {
	ChatID       int64
	TitleChanged bool
	PhotoChanged bool
}

// SourceHandler 接收来源网络事件
type SourceHandler interface {
	OnMessage(ctx context.Context, msg *SourceMessage)
	OnChatAction(ctx context.Context, action *ChatAction)
}

// Source 来源网络（Telegram）客户端能力
type Source interface {
	// ResolveEntity 按数字 ID 或用户名解析频道
	ResolveEntity(ctx context.Context, identifier string) (*Entity, error)
	// CheckInvite 检查邀请链接状态
	CheckInvite(ctx context.Context, hash string) (*InviteStatus, error)
	// ImportInvite 通过邀请链接加入；已是成员时返回 ErrAlreadyParticipant
	ImportInvite(ctx context.Context, hash string) (*Entity, error)
	// JoinChannel 加入公开频道
	JoinChannel(ctx context.Context, entity *Entity) error
	// Dialogs 列出账号的所有频道会话
	Dialogs(ctx context.Context) ([]*Entity, error)
	// RecentMessages 获取最近的消息（新 -> 旧）
	RecentMessages(ctx context.Context, entity *Entity, limit int) ([]*SourceMessage, error)
	// DownloadMedia 下载消息媒体，返回本地路径
	DownloadMedia(ctx context.Context, msg *SourceMessage) (string, error)
	// DownloadAvatar 下载频道头像，返回本地路径
	DownloadAvatar(ctx context.Context, entity *Entity) (string, error)
	// MarkRead 标记消息已读
	MarkRead(ctx context.Context, entity *Entity, msgID int64) error
}

// ChatInfo Delta Chat 会话基础信息
type ChatInfo struct {
	ID   int64
	Name string
}

// OutgoingMessage 写入 Delta Chat 的消息
type OutgoingMessage struct {
	Text               string
	File               string
	OverrideSenderName string
	QuotedMessageID    int64
}

// DestMessage Delta Chat 消息
type DestMessage struct {
	ID     int64
	ChatID int64
	FromID int64
	Text   string
	IsInfo bool
}

// 目标网络事件类型
const (
	EventMemberAdded         = "MemberAdded"
	EventMemberRemoved       = "MemberRemoved"
	EventChatModified        = "ChatModified"
	EventChatlistItemChanged = "ChatlistItemChanged"
	EventSecureJoinProgress  = "SecurejoinInviterProgress"
	EventSecureJoinQrSuccess = "SecureJoinQrScanSuccess"
	EventIncomingMsg         = "IncomingMsg"
	EventMsgFailed           = "MsgFailed"
	EventError               = "Error"
	EventWarning             = "Warning"
)

// SecureJoinComplete 进度事件 1000 表示 100%
const SecureJoinComplete = 1000

// SelfContactID Delta Chat 中自身联系人的固定 ID
const SelfContactID = 1

// Event Delta Chat 事件
type Event struct {
	AccountID int64
	Kind      string
	ChatID    int64
	MsgID     int64
	ContactID int64
	Progress  int
	Comment   string
}

// Destination 目标网络（Delta Chat）客户端能力
type Destination interface {
	CreateBroadcast(ctx context.Context, accountID int64, name string) (int64, error)
	GetBasicChatInfo(ctx context.Context, accountID, chatID int64) (*ChatInfo, error)
	SetChatName(ctx context.Context, accountID, chatID int64, name string) error
	SetChatAvatar(ctx context.Context, accountID, chatID int64, path string) error
	SetChatVisibility(ctx context.Context, accountID, chatID int64, visibility string) error
	SendMessage(ctx context.Context, accountID, chatID int64, msg OutgoingMessage) (int64, error)
	ResendMessages(ctx context.Context, accountID int64, msgIDs []int64) error
	AcceptChat(ctx context.Context, accountID, chatID int64) error
	MarkNoticed(ctx context.Context, accountID, chatID int64) error
	GetMessage(ctx context.Context, accountID, msgID int64) (*DestMessage, error)
	GetMessageInfo(ctx context.Context, accountID, msgID int64) (string, error)
	// GetExistingMessageIDs 返回仍然存在的消息 ID 子集
	GetExistingMessageIDs(ctx context.Context, accountID int64, msgIDs []int64) ([]int64, error)
	GetChatContacts(ctx context.Context, accountID, chatID int64) ([]int64, error)
	GetInviteQR(ctx context.Context, accountID, chatID int64) (string, error)
	NextEvent(ctx context.Context) (*Event, error)
}

// VisibilityNormal 会话可见性：正常
const VisibilityNormal = "Normal"
