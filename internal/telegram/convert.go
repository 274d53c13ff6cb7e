package telegram

import (
	"mime"
	"path/filepath"
	"strings"

	"dc_bridge/internal/bridge/network"

	"github.com/gotd/td/tg"
)

// channelIDOffset 频道规范 ID 前缀：-100xxxxxxxxxx
const channelIDOffset = 1000000000000

// CanonicalID 频道 ID 转换为规范数字 ID
func CanonicalID(channelID int64) int64 {
	return -channelIDOffset - channelID
}

// ChannelID 规范数字 ID 转换为频道 ID
func ChannelID(canonical int64) (int64, bool) {
	if canonical >= -channelIDOffset {
		return 0, false
	}
	return -canonical - channelIDOffset, true
}

// usernameFrom 从 @name、name 或 t.me/name 中提取用户名
func usernameFrom(identifier string) (string, bool) {
	s := strings.TrimSpace(identifier)
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, host := range []string{"t.me/", "telegram.me/", "telegram.dog/"} {
		if strings.HasPrefix(s, host) {
			s = strings.TrimPrefix(s, host)
			if i := strings.IndexAny(s, "/?"); i >= 0 {
				s = s[:i]
			}
			break
		}
	}
	s = strings.TrimPrefix(s, "@")
	if s == "" || strings.HasPrefix(s, "+") || strings.ContainsAny(s, "/: ") {
		return "", false
	}
	return s, true
}

// toEntity 频道转换为实体
func toEntity(channel *tg.Channel) *network.Entity {
	_, hasPhoto := channel.Photo.(*tg.ChatPhoto)
	return &network.Entity{
		ID:       CanonicalID(channel.ID),
		Title:    channel.Title,
		Username: channel.Username,
		IsMember: !channel.Left,
		HasPhoto: hasPhoto,
		Raw:      channel,
	}
}

// channelOf 实体携带的频道对象
func channelOf(entity *network.Entity) (*tg.Channel, bool) {
	if entity == nil {
		return nil, false
	}
	channel, ok := entity.Raw.(*tg.Channel)
	return channel, ok
}

// peerChannelID 消息所属频道 ID
func peerChannelID(peer tg.PeerClass) (int64, bool) {
	p, ok := peer.(*tg.PeerChannel)
	if !ok {
		return 0, false
	}
	return p.ChannelID, true
}

// classifyMedia 媒体分类：图片 / 视频 / 其他文件 / 无
func classifyMedia(media tg.MessageMediaClass) network.MediaType {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		if _, ok := m.Photo.(*tg.Photo); ok {
			return network.MediaPhoto
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return network.MediaNone
		}
		for _, attr := range doc.Attributes {
			switch attr.(type) {
			case *tg.DocumentAttributeVideo, *tg.DocumentAttributeAnimated:
				return network.MediaVideo
			}
		}
		return network.MediaFile
	}
	return network.MediaNone
}

// toSourceMessage 频道消息转换为来源消息
func toSourceMessage(msg *tg.Message, channel *tg.Channel) *network.SourceMessage {
	out := &network.SourceMessage{
		ID:    int64(msg.ID),
		Text:  msg.Message,
		Media: classifyMedia(msg.Media),
		Raw:   msg,
	}
	if channelID, ok := peerChannelID(msg.PeerID); ok {
		out.ChatID = CanonicalID(channelID)
	}
	if reply, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		out.ReplyToID = int64(reply.ReplyToMsgID)
	}
	if author, ok := msg.GetPostAuthor(); ok && author != "" {
		out.SenderName = author
	} else if channel != nil {
		out.SenderName = channel.Title
	}
	return out
}

// toChatAction 服务消息转换为元数据变更事件，非名称/头像变更返回 nil
func toChatAction(msg *tg.MessageService) *network.ChatAction {
	channelID, ok := peerChannelID(msg.PeerID)
	if !ok {
		return nil
	}
	action := &network.ChatAction{ChatID: CanonicalID(channelID)}
	switch msg.Action.(type) {
	case *tg.MessageActionChatEditTitle:
		action.TitleChanged = true
	case *tg.MessageActionChatEditPhoto, *tg.MessageActionChatDeletePhoto:
		action.PhotoChanged = true
	default:
		return nil
	}
	return action
}

// largestPhotoSize 选择最大的图片尺寸类型
func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	best, bestArea := "", -1
	for _, size := range sizes {
		var typ string
		var area int
		switch s := size.(type) {
		case *tg.PhotoSize:
			typ, area = s.Type, s.W*s.H
		case *tg.PhotoSizeProgressive:
			typ, area = s.Type, s.W*s.H
		default:
			continue
		}
		if area > bestArea {
			best, bestArea = typ, area
		}
	}
	return best
}

// documentExtension 文件扩展名：优先使用原始文件名，其次按 MIME 类型推断
func documentExtension(doc *tg.Document) string {
	for _, attr := range doc.Attributes {
		if name, ok := attr.(*tg.DocumentAttributeFilename); ok {
			if ext := filepath.Ext(name.FileName); ext != "" {
				return strings.ToLower(ext)
			}
		}
	}
	if exts, err := mime.ExtensionsByType(doc.MimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	switch {
	case strings.HasPrefix(doc.MimeType, "video/"):
		return ".mp4"
	case strings.HasPrefix(doc.MimeType, "image/"):
		return ".jpg"
	}
	return ".bin"
}
