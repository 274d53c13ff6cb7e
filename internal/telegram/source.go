package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/logger"

	"github.com/google/uuid"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

const (
	dialogsPageSize = 100
	maxDialogPages  = 50
)

// ResolveEntity 按规范数字 ID 或用户名解析频道
func (c *Client) ResolveEntity(ctx context.Context, identifier string) (*network.Entity, error) {
	if canonical, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		return c.resolveByID(ctx, canonical)
	}

	username, ok := usernameFrom(identifier)
	if !ok {
		return nil, fmt.Errorf("unsupported channel identifier %q", identifier)
	}

	resolved, err := c.api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve username %s: %w", username, err)
	}
	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return nil, fmt.Errorf("%s is not a channel", username)
	}
	c.peers.Collect(resolved.Chats)
	channel, ok := c.peers.Get(peer.ChannelID)
	if !ok {
		return nil, fmt.Errorf("channel %s missing from resolve result", username)
	}
	return toEntity(channel), nil
}

// resolveByID 先查缓存，未命中时扫描会话列表
func (c *Client) resolveByID(ctx context.Context, canonical int64) (*network.Entity, error) {
	channelID, ok := ChannelID(canonical)
	if !ok {
		return nil, fmt.Errorf("%d is not a channel id", canonical)
	}
	if channel, ok := c.peers.Get(channelID); ok {
		return toEntity(channel), nil
	}

	if _, err := c.Dialogs(ctx); err != nil {
		return nil, err
	}
	if channel, ok := c.peers.Get(channelID); ok {
		return toEntity(channel), nil
	}
	return nil, fmt.Errorf("channel %d not found in dialogs", canonical)
}

// CheckInvite 检查邀请链接
func (c *Client) CheckInvite(ctx context.Context, hash string) (*network.InviteStatus, error) {
	invite, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check invite: %w", err)
	}

	switch inv := invite.(type) {
	case *tg.ChatInviteAlready:
		if channel, ok := inv.Chat.(*tg.Channel); ok {
			c.peers.Set(channel)
			return &network.InviteStatus{Entity: toEntity(channel), Title: channel.Title}, nil
		}
	case *tg.ChatInvitePeek:
		if channel, ok := inv.Chat.(*tg.Channel); ok {
			c.peers.Set(channel)
			return &network.InviteStatus{Title: channel.Title}, nil
		}
	case *tg.ChatInvite:
		return &network.InviteStatus{Title: inv.Title}, nil
	}
	return nil, fmt.Errorf("unsupported invite type %T", invite)
}

// ImportInvite 通过邀请链接加入
func (c *Client) ImportInvite(ctx context.Context, hash string) (*network.Entity, error) {
	updates, err := c.api.MessagesImportChatInvite(ctx, hash)
	if err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return nil, network.ErrAlreadyParticipant
		}
		return nil, fmt.Errorf("failed to import invite: %w", err)
	}

	var chats []tg.ChatClass
	switch u := updates.(type) {
	case *tg.Updates:
		chats = u.Chats
	case *tg.UpdatesCombined:
		chats = u.Chats
	}
	channels := c.peers.Collect(chats)
	if len(channels) == 0 {
		return nil, errors.New("invite import returned no channel")
	}
	channel := channels[0]
	channel.Left = false
	return toEntity(channel), nil
}

// JoinChannel 加入公开频道
func (c *Client) JoinChannel(ctx context.Context, entity *network.Entity) error {
	channel, ok := channelOf(entity)
	if !ok {
		return fmt.Errorf("entity %d has no channel peer", entity.ID)
	}
	if _, err := c.api.ChannelsJoinChannel(ctx, channel.AsInput()); err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return nil
		}
		return fmt.Errorf("failed to join channel: %w", err)
	}
	channel.Left = false
	c.peers.Set(channel)
	return nil
}

// Dialogs 列出账号的所有频道会话，并刷新频道缓存
func (c *Client) Dialogs(ctx context.Context) ([]*network.Entity, error) {
	req := &tg.MessagesGetDialogsRequest{OffsetPeer: &tg.InputPeerEmpty{}, Limit: dialogsPageSize}
	var out []*network.Entity

	for page := 0; page < maxDialogPages; page++ {
		res, err := c.api.MessagesGetDialogs(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to get dialogs: %w", err)
		}

		var (
			chats    []tg.ChatClass
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			last     bool
		)
		switch r := res.(type) {
		case *tg.MessagesDialogs:
			chats, dialogs, messages, last = r.Chats, r.Dialogs, r.Messages, true
		case *tg.MessagesDialogsSlice:
			chats, dialogs, messages = r.Chats, r.Dialogs, r.Messages
			last = len(r.Dialogs) < dialogsPageSize
		default:
			last = true
		}

		for _, channel := range c.peers.Collect(chats) {
			if !channel.Left {
				out = append(out, toEntity(channel))
			}
		}

		if last || len(dialogs) == 0 {
			break
		}
		if !c.advanceDialogs(req, dialogs[len(dialogs)-1], messages) {
			break
		}
	}

	logger.L().Debugf("Loaded %d channel dialogs", len(out))
	return out, nil
}

// advanceDialogs 以本页最后一个会话作为下一页的偏移
func (c *Client) advanceDialogs(req *tg.MessagesGetDialogsRequest, last tg.DialogClass, messages []tg.MessageClass) bool {
	dialog, ok := last.(*tg.Dialog)
	if !ok {
		return false
	}
	channelID, ok := peerChannelID(dialog.Peer)
	if !ok {
		return false
	}
	channel, ok := c.peers.Get(channelID)
	if !ok {
		return false
	}

	req.OffsetPeer = channel.AsInputPeer()
	req.OffsetID = dialog.TopMessage
	for _, m := range messages {
		if msg, ok := m.(*tg.Message); ok && msg.ID == dialog.TopMessage {
			req.OffsetDate = msg.Date
			break
		}
	}
	return true
}

// RecentMessages 获取最近的消息（新 -> 旧）
func (c *Client) RecentMessages(ctx context.Context, entity *network.Entity, limit int) ([]*network.SourceMessage, error) {
	channel, ok := channelOf(entity)
	if !ok {
		return nil, fmt.Errorf("entity %d has no channel peer", entity.ID)
	}

	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  channel.AsInputPeer(),
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	var messages []tg.MessageClass
	switch r := res.(type) {
	case *tg.MessagesChannelMessages:
		messages = r.Messages
	case *tg.MessagesMessagesSlice:
		messages = r.Messages
	case *tg.MessagesMessages:
		messages = r.Messages
	}

	out := make([]*network.SourceMessage, 0, len(messages))
	for _, m := range messages {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, toSourceMessage(msg, channel))
		}
	}
	return out, nil
}

// DownloadMedia 下载消息媒体（图片取最大尺寸）
func (c *Client) DownloadMedia(ctx context.Context, msg *network.SourceMessage) (string, error) {
	raw, ok := msg.Raw.(*tg.Message)
	if !ok {
		return "", fmt.Errorf("message %d has no media payload", msg.ID)
	}

	var (
		location tg.InputFileLocationClass
		ext      string
	)
	switch m := raw.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return "", fmt.Errorf("message %d photo is empty", msg.ID)
		}
		location = &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestPhotoSize(photo.Sizes),
		}
		ext = ".jpg"
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return "", fmt.Errorf("message %d document is empty", msg.ID)
		}
		location = &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}
		ext = documentExtension(doc)
	default:
		return "", fmt.Errorf("message %d has unsupported media %T", msg.ID, raw.Media)
	}

	path := c.mediaPath(ext)
	if _, err := c.downloader.Download(c.api, location).ToPath(ctx, path); err != nil {
		return "", fmt.Errorf("failed to download media of message %d: %w", msg.ID, err)
	}
	return path, nil
}

// DownloadAvatar 下载频道头像
func (c *Client) DownloadAvatar(ctx context.Context, entity *network.Entity) (string, error) {
	channel, ok := channelOf(entity)
	if !ok {
		return "", fmt.Errorf("entity %d has no channel peer", entity.ID)
	}
	photo, ok := channel.Photo.(*tg.ChatPhoto)
	if !ok {
		return "", fmt.Errorf("channel %d has no photo", entity.ID)
	}

	path := c.mediaPath(".jpg")
	location := &tg.InputPeerPhotoFileLocation{
		Big:     true,
		Peer:    channel.AsInputPeer(),
		PhotoID: photo.PhotoID,
	}
	if _, err := c.downloader.Download(c.api, location).ToPath(ctx, path); err != nil {
		return "", fmt.Errorf("failed to download avatar of %d: %w", entity.ID, err)
	}
	return path, nil
}

// MarkRead 标记消息已读
func (c *Client) MarkRead(ctx context.Context, entity *network.Entity, msgID int64) error {
	channel, ok := channelOf(entity)
	if !ok {
		return fmt.Errorf("entity %d has no channel peer", entity.ID)
	}
	if _, err := c.api.ChannelsReadHistory(ctx, &tg.ChannelsReadHistoryRequest{
		Channel: channel.AsInput(),
		MaxID:   int(msgID),
	}); err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	return nil
}

func (c *Client) mediaPath(ext string) string {
	return filepath.Join(c.cfg.MediaDir, uuid.New().String()+ext)
}
