package models

import "time"

// MediaKind 已转发消息的媒体类型
type MediaKind string

const (
	MediaKindText  MediaKind = "text"
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
	MediaKindFile  MediaKind = "file"
)

// RelayedMessage 消息映射记录（Telegram 消息 -> Delta Chat 消息）
// (ChatID, SourceMessageID) 唯一；重复写入为 upsert
type RelayedMessage struct {
	Seq             int64     `bson:"seq"`               // 插入顺序行号
	ChatID          int64     `bson:"chat_id"`           // Delta Chat 广播频道 ID
	SourceMessageID int64     `bson:"source_message_id"` // Telegram 消息 ID
	DestMessageID   int64     `bson:"dest_message_id"`   // Delta Chat 消息 ID，0 表示尚未送达
	Text            string    `bson:"text"`
	MediaPath       string    `bson:"media_path,omitempty"`
	MediaKind       MediaKind `bson:"media_kind"`
	CreatedAt       time.Time `bson:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at"`
}

// Delivered 是否已有目标消息 ID
func (m *RelayedMessage) Delivered() bool {
	return m != nil && m.DestMessageID > 0
}
