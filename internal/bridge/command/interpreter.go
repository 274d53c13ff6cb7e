// Package command 管理员私聊命令解析与执行
package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/queue"
	"dc_bridge/internal/bridge/relay"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/bridge/service"
	"dc_bridge/internal/logger"
)

// HelpText 命令说明
const HelpText = `Commands:
/help - show this help
/links - list mirrored channels with invite links
/link <chat_id> [NO_PHOTO] [NO_VIDEO] - set media flags of a channel
/photo <chat_id> on|off - toggle photo relay
/video <chat_id> on|off - toggle video relay
/add <@username|id|invite link> [NO_PHOTO] [NO_VIDEO] - mirror a new channel
/delete <chat_id> - stop mirroring a channel`

const (
	usageLink   = "Usage: /link <chat_id> [NO_PHOTO] [NO_VIDEO]"
	usageToggle = "Usage: /%s <chat_id> on|off"
	usageAdd    = "Usage: /add <@username|id|invite link> [NO_PHOTO] [NO_VIDEO]"
	usageDelete = "Usage: /delete <chat_id>"

	replyInternalError = "Internal error, please try again later"
	replyBusy          = "Bridge is busy, please try again later"
)

// Interpreter 命令解释器
type Interpreter struct {
	admins    service.AdminService
	channels  service.ChannelService
	table     *routing.Table
	dest      network.Destination
	queue     *queue.Queue
	accountID int64
}

// NewInterpreter 创建命令解释器
func NewInterpreter(
	admins service.AdminService,
	channels service.ChannelService,
	table *routing.Table,
	dest network.Destination,
	q *queue.Queue,
	accountID int64,
) *Interpreter {
	return &Interpreter{
		admins:    admins,
		channels:  channels,
		table:     table,
		dest:      dest,
		queue:     q,
		accountID: accountID,
	}
}

// isMirrored 镜像广播本身不接受命令
// 以注册表为准，未进入路由表的频道（解析失败等）同样排除
func (i *Interpreter) isMirrored(ctx context.Context, chatID int64) bool {
	if i.table.IsRouted(chatID) {
		return true
	}
	_, err := i.channels.Get(ctx, chatID)
	if err == nil {
		return true
	}
	if !models.IsNotFound(err) {
		logger.L().Warnf("Failed to look up chat %d in registry: %v", chatID, err)
	}
	return false
}

// Handle 处理一条收到的消息，返回需要回复的文本（空字符串表示不回复）
func (i *Interpreter) Handle(ctx context.Context, msg *network.DestMessage) (string, error) {
	if msg == nil || msg.IsInfo || msg.FromID == network.SelfContactID {
		return "", nil
	}
	if i.isMirrored(ctx, msg.ChatID) {
		return "", nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}

	isAdmin, err := i.admins.IsAdmin(ctx, msg.FromID)
	if err != nil {
		return "", err
	}
	if !isAdmin {
		granted, err := i.admins.Authenticate(ctx, msg.FromID, text)
		if err != nil {
			return "", err
		}
		if !granted {
			return "", nil
		}
		return success("Access granted.\n\n" + HelpText), nil
	}

	fields := strings.Fields(text)
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch verb {
	case "help":
		return HelpText, nil
	case "links":
		return i.links(ctx), nil
	case "link":
		return i.link(ctx, args)
	case "photo", "video":
		return i.toggle(ctx, verb, args)
	case "delete":
		return i.remove(args, msg.ChatID), nil
	case "add":
		return i.add(args, msg.ChatID), nil
	default:
		return "", nil
	}
}

func (i *Interpreter) links(ctx context.Context) string {
	entries := i.table.Entries()
	if len(entries) == 0 {
		return "No channels are mirrored yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📡 Mirrored channels (%d):\n", len(entries))
	for _, entry := range entries {
		ch := entry.Channel
		fmt.Fprintf(&b, "\n• %s (chat %d)", ch.Name, ch.ChatID)
		if flags := ch.SuppressionFlags(); len(flags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(flags, " "))
		}
		if !ch.Enabled {
			b.WriteString(" (paused)")
		}

		qr, err := i.dest.GetInviteQR(ctx, i.accountID, ch.ChatID)
		if err != nil {
			logger.L().Warnf("Failed to get invite for chat %d: %v", ch.ChatID, err)
			b.WriteString("\n  (invite unavailable)")
			continue
		}
		fmt.Fprintf(&b, "\n  %s", qr)
	}
	return b.String()
}

func (i *Interpreter) link(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return failure(usageLink), nil
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return failure(usageLink), nil
	}
	noPhoto, noVideo, ok := parseFlags(args[1:])
	if !ok {
		return failure(usageLink), nil
	}

	channel, err := i.channels.Update(ctx, chatID, func(c *models.Channel) {
		c.Media.Photo.Enabled = !noPhoto
		c.Media.Video.Enabled = !noVideo
	})
	if err != nil {
		return updateError(chatID, err)
	}
	return success(fmt.Sprintf("Channel %d updated: photo=%s, video=%s",
		chatID, onOff(channel.Media.Photo.Enabled), onOff(channel.Media.Video.Enabled))), nil
}

func (i *Interpreter) toggle(ctx context.Context, verb string, args []string) (string, error) {
	usage := fmt.Sprintf(usageToggle, verb)
	if len(args) != 2 {
		return failure(usage), nil
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return failure(usage), nil
	}

	var enabled bool
	switch strings.ToLower(args[1]) {
	case "on":
		enabled = true
	case "off":
		enabled = false
	default:
		return failure(usage), nil
	}

	_, err = i.channels.Update(ctx, chatID, func(c *models.Channel) {
		if verb == "photo" {
			c.Media.Photo.Enabled = enabled
		} else {
			c.Media.Video.Enabled = enabled
		}
	})
	if err != nil {
		return updateError(chatID, err)
	}
	return success(fmt.Sprintf("Channel %d: %s relay %s", chatID, verb, onOff(enabled))), nil
}

func (i *Interpreter) remove(args []string, replyChat int64) string {
	if len(args) != 1 {
		return failure(usageDelete)
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return failure(usageDelete)
	}

	if !i.queue.Submit(queue.RemoveChannel{ChatID: chatID, ReplyChat: replyChat}) {
		return failure(replyBusy)
	}
	return fmt.Sprintf("⏳ Removing channel %d...", chatID)
}

func (i *Interpreter) add(args []string, replyChat int64) string {
	if len(args) == 0 {
		return failure(usageAdd)
	}
	identifier := args[0]
	noPhoto, noVideo, ok := parseFlags(args[1:])
	if !ok {
		return failure(usageAdd)
	}

	if chatID, routed := i.routedIdentifier(identifier); routed {
		return failure(fmt.Sprintf("%s is already mirrored to chat %d", identifier, chatID))
	}

	req := queue.AddChannel{
		Identifier: identifier,
		NoPhoto:    noPhoto,
		NoVideo:    noVideo,
		ReplyChat:  replyChat,
	}
	if !i.queue.Submit(req) {
		return failure(replyBusy)
	}
	return fmt.Sprintf("⏳ Adding %s...", identifier)
}

// routedIdentifier 按原始标识或规范 ID 查找已路由的频道
func (i *Interpreter) routedIdentifier(identifier string) (int64, bool) {
	if id, ok := relay.CanonicalSource(identifier); ok {
		if entry, found := i.table.BySource(id); found {
			return entry.Channel.ChatID, true
		}
	}
	for _, entry := range i.table.Entries() {
		if strings.EqualFold(entry.Channel.Source, identifier) {
			return entry.Channel.ChatID, true
		}
		if entry.Entity != nil && entry.Entity.Username != "" &&
			strings.EqualFold(strings.TrimPrefix(identifier, "@"), entry.Entity.Username) {
			return entry.Channel.ChatID, true
		}
	}
	return 0, false
}

// parseFlags 解析 NO_PHOTO / NO_VIDEO，出现未知参数时返回 false
func parseFlags(args []string) (noPhoto, noVideo, ok bool) {
	for _, arg := range args {
		switch strings.ToUpper(arg) {
		case models.FlagNoPhoto:
			noPhoto = true
		case models.FlagNoVideo:
			noVideo = true
		default:
			return false, false, false
		}
	}
	return noPhoto, noVideo, true
}

func updateError(chatID int64, err error) (string, error) {
	if errors.Is(err, models.ErrNotFound) {
		return failure(fmt.Sprintf("Channel %d not found", chatID)), nil
	}
	return failure(replyInternalError), err
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func success(text string) string {
	return "✅ " + text
}

func failure(text string) string {
	return "❌ " + text
}
