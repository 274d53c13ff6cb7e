// Package bridge 桥接编排：目标端事件循环、来源端事件循环与两者之间的工作队列
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"dc_bridge/internal/bridge/backfill"
	"dc_bridge/internal/bridge/command"
	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/queue"
	"dc_bridge/internal/bridge/relay"
	"dc_bridge/internal/bridge/repository"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/bridge/service"
	"dc_bridge/internal/logger"
	"dc_bridge/internal/metrics"
)

// Notifier 运营告警
type Notifier interface {
	Notify(ctx context.Context, text string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) {}

// Options 编排配置
type Options struct {
	AccountID      int64
	HistoryEnabled bool             // 新成员加入时补发历史
	SendStart      bool             // 新建广播后发送 start 消息
	SenderNames    bool             // 以作者署名覆盖发送者显示名
	ChatQueueSize  int              // 每个广播的任务队列大小
	EventBuffer    int              // 来源事件缓冲大小
	Backfill       backfill.Options // 补发配置（AccountID 以本配置为准）
}

// Deps 编排依赖
type Deps struct {
	Source   network.Source
	Dest     network.Destination
	Channels service.ChannelService
	Admins   service.AdminService
	Messages repository.MessageRepository
	Table    *routing.Table
	Work     *queue.Queue
	Notifier Notifier
}

// Seed 配置文件中预置的频道
type Seed struct {
	Channel *models.Channel
	SyncNow bool   // 启动时立即同步名称与头像
	Avatar  string // 广播头像文件，启动时设置
}

// sourceEvent 来源端事件（消息或元数据变更）
type sourceEvent struct {
	message *network.SourceMessage
	action  *network.ChatAction
}

// Bridge 桥接编排器
type Bridge struct {
	source      network.Source
	dest        network.Destination
	channels    service.ChannelService
	table       *routing.Table
	work        *queue.Queue
	notifier    Notifier
	engine      *relay.Engine
	resolver    *relay.Resolver
	reconciler  *backfill.Reconciler
	interpreter *command.Interpreter
	opts        Options

	events   chan sourceEvent
	chats    *ChatQueue
	handlers sync.WaitGroup

	membersMu sync.Mutex
	members   map[int64]int // 上次观察到的订阅人数
}

var _ network.SourceHandler = (*Bridge)(nil)

// New 创建桥接编排器
func New(deps Deps, opts Options) *Bridge {
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	opts.Backfill.AccountID = opts.AccountID

	engine := relay.NewEngine(deps.Source, deps.Dest, deps.Channels, deps.Messages, relay.Options{
		AccountID:   opts.AccountID,
		SenderNames: opts.SenderNames,
	})

	return &Bridge{
		source:      deps.Source,
		dest:        deps.Dest,
		channels:    deps.Channels,
		table:       deps.Table,
		work:        deps.Work,
		notifier:    deps.Notifier,
		engine:      engine,
		resolver:    relay.NewResolver(deps.Source, deps.Dest, deps.Channels, opts.AccountID),
		reconciler:  backfill.NewReconciler(deps.Source, deps.Dest, deps.Channels, deps.Messages, engine, opts.Backfill),
		interpreter: command.NewInterpreter(deps.Admins, deps.Channels, deps.Table, deps.Dest, deps.Work, opts.AccountID),
		opts:        opts,
		events:      make(chan sourceEvent, opts.EventBuffer),
		members:     make(map[int64]int),
	}
}

// Run 启动桥接，阻塞直到 ctx 取消
// 必须在来源端会话内调用（来源端 I/O 只能在该会话中进行）
func (b *Bridge) Run(ctx context.Context, seeds []Seed) error {
	if err := b.Bootstrap(ctx, seeds); err != nil {
		return err
	}

	b.chats = NewChatQueue(ctx, b.opts.ChatQueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.runDestination(ctx)
	}()

	err := b.runSource(ctx)

	wg.Wait()
	b.handlers.Wait()
	b.chats.Shutdown()

	logger.L().Info("Bridge stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Bootstrap 预置配置频道并从注册表重建路由表
func (b *Bridge) Bootstrap(ctx context.Context, seeds []Seed) error {
	syncNow := make(map[int64]bool)
	for _, seed := range seeds {
		chatID, err := b.seed(ctx, seed.Channel)
		if err != nil {
			logger.L().Errorf("Failed to seed channel %q: %v", seed.Channel.Source, err)
			continue
		}
		if seed.Avatar != "" {
			b.applyAvatar(ctx, chatID, seed.Avatar)
		}
		if seed.SyncNow {
			syncNow[chatID] = true
		}
	}

	channels, err := b.channels.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channel registry: %w", err)
	}

	for _, channel := range channels {
		entity, err := b.resolver.Resolve(ctx, channel, syncNow[channel.ChatID])
		if err != nil {
			logger.L().Errorf("Channel %d excluded from routing: %v", channel.ChatID, err)
			b.notifier.Notify(ctx, fmt.Sprintf("⚠️ Channel %d (%s) could not be resolved: %v", channel.ChatID, channel.Source, err))
			continue
		}
		if err := b.channels.Route(channel, entity); err != nil {
			logger.L().Errorf("Channel %d excluded from routing: %v", channel.ChatID, err)
			continue
		}
	}

	metrics.SetRoutedChannels(b.table.Len())
	logger.L().Infof("Routing table ready: %d of %d channels routed", b.table.Len(), len(channels))
	return nil
}

// seed 写入一个预置频道，返回其广播 ID
// 注册表中已存在的记录保持不变；配置的 chat_id 在 Delta Chat 中不存在时新建广播
func (b *Bridge) seed(ctx context.Context, channel *models.Channel) (int64, error) {
	channel = channel.Clone()

	if channel.ChatID != 0 {
		_, err := b.channels.Get(ctx, channel.ChatID)
		if err == nil {
			return channel.ChatID, nil
		}
		if !models.IsNotFound(err) {
			return 0, err
		}

		if _, err = b.dest.GetBasicChatInfo(ctx, b.opts.AccountID, channel.ChatID); err == nil {
			b.adoptChat(ctx, channel)
			return b.saveSeed(ctx, channel)
		}
		logger.L().Warnf("Configured chat %d not found in Delta Chat, creating a new broadcast: %v", channel.ChatID, err)
		channel.ChatID = 0
	}

	existing, entity, err := b.findBySource(ctx, channel.Source)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ChatID, nil
	}

	if channel.Name == "" {
		channel.Name = entity.Title
	}
	chatID, err := b.createBroadcast(ctx, channel.Name)
	if err != nil {
		return 0, err
	}
	channel.ChatID = chatID
	return b.saveSeed(ctx, channel)
}

func (b *Bridge) saveSeed(ctx context.Context, channel *models.Channel) (int64, error) {
	if err := b.channels.Save(ctx, channel); err != nil {
		return 0, err
	}
	logger.L().Infof("Seeded channel from config: chat_id=%d, source=%s", channel.ChatID, channel.Source)
	return channel.ChatID, nil
}

// adoptChat 接管配置中已存在的广播：应用配置名称并设为正常可见
func (b *Bridge) adoptChat(ctx context.Context, channel *models.Channel) {
	if channel.Name != "" {
		if err := b.dest.SetChatName(ctx, b.opts.AccountID, channel.ChatID, channel.Name); err != nil {
			logger.L().Warnf("Failed to rename chat %d: %v", channel.ChatID, err)
		}
	}
	if err := b.dest.SetChatVisibility(ctx, b.opts.AccountID, channel.ChatID, network.VisibilityNormal); err != nil {
		logger.L().Warnf("Failed to set visibility of chat %d: %v", channel.ChatID, err)
	}
	logger.L().Infof("Using existing broadcast %d from config", channel.ChatID)
}

// applyAvatar 设置配置中的广播头像，文件不存在时跳过
func (b *Bridge) applyAvatar(ctx context.Context, chatID int64, path string) {
	abs, err := filepath.Abs(path)
	if err == nil {
		_, err = os.Stat(abs)
	}
	if err != nil {
		logger.L().Warnf("Avatar file for chat %d not usable: %v", chatID, err)
		return
	}
	if err := b.dest.SetChatAvatar(ctx, b.opts.AccountID, chatID, abs); err != nil {
		logger.L().Warnf("Failed to set avatar of chat %d: %v", chatID, err)
		return
	}
	logger.L().Infof("Avatar of chat %d set from %s", chatID, abs)
}

// findBySource 按原始标识或解析后的规范 ID 查找注册表中的频道
func (b *Bridge) findBySource(ctx context.Context, source string) (*models.Channel, *network.Entity, error) {
	channels, err := b.channels.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, channel := range channels {
		if channel.Source == source {
			return channel, nil, nil
		}
	}

	entity, err := b.resolver.Lookup(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	canonical := strconv.FormatInt(entity.ID, 10)
	for _, channel := range channels {
		if channel.Source == canonical {
			return channel, entity, nil
		}
	}
	return nil, entity, nil
}

// createBroadcast 新建广播并设为正常可见
func (b *Bridge) createBroadcast(ctx context.Context, name string) (int64, error) {
	chatID, err := b.dest.CreateBroadcast(ctx, b.opts.AccountID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create broadcast %q: %w", name, err)
	}
	if err := b.dest.SetChatVisibility(ctx, b.opts.AccountID, chatID, network.VisibilityNormal); err != nil {
		logger.L().Warnf("Failed to set visibility of chat %d: %v", chatID, err)
	}
	if b.opts.SendStart {
		if _, err := b.dest.SendMessage(ctx, b.opts.AccountID, chatID, network.OutgoingMessage{Text: "start"}); err != nil {
			logger.L().Warnf("Failed to send start message to chat %d: %v", chatID, err)
		}
	}
	logger.L().Infof("Broadcast created: chat_id=%d, name=%s", chatID, name)
	return chatID, nil
}

// OnMessage 来源端新消息，只接收已路由频道的消息
func (b *Bridge) OnMessage(ctx context.Context, msg *network.SourceMessage) {
	if msg == nil {
		return
	}
	if _, ok := b.table.BySource(msg.ChatID); !ok {
		return
	}
	b.enqueue(ctx, sourceEvent{message: msg})
}

// OnChatAction 来源端频道元数据变更
func (b *Bridge) OnChatAction(ctx context.Context, action *network.ChatAction) {
	if action == nil || !(action.TitleChanged || action.PhotoChanged) {
		return
	}
	if _, ok := b.table.BySource(action.ChatID); !ok {
		return
	}
	b.enqueue(ctx, sourceEvent{action: action})
}

func (b *Bridge) enqueue(ctx context.Context, event sourceEvent) {
	select {
	case b.events <- event:
	case <-ctx.Done():
	}
}

// runSource 来源端事件循环：按到达顺序处理来源事件与工作队列
func (b *Bridge) runSource(ctx context.Context) error {
	logger.L().Info("Source loop started")
	for {
		select {
		case <-ctx.Done():
			logger.L().Info("Source loop stopped")
			return ctx.Err()
		case event := <-b.events:
			b.safely("source event", func() { b.handleSourceEvent(ctx, event) })
		case req := <-b.work.C():
			b.safely(fmt.Sprintf("%T", req), func() { b.handleRequest(ctx, req) })
		}
	}
}

func (b *Bridge) handleSourceEvent(ctx context.Context, event sourceEvent) {
	switch {
	case event.message != nil:
		msg := event.message
		entry, ok := b.table.BySource(msg.ChatID)
		if !ok {
			return
		}
		chatID := entry.Channel.ChatID
		b.chats.Submit(chatID, "relay", func(ctx context.Context) {
			b.relayLive(ctx, entry, msg)
		})

	case event.action != nil:
		entry, ok := b.table.BySource(event.action.ChatID)
		if !ok || entry.Channel.PhotoMode != models.PhotoModeAuto {
			return
		}
		b.chats.Submit(entry.Channel.ChatID, "sync profile", func(ctx context.Context) {
			b.syncProfile(ctx, entry)
		})
	}
}

// relayLive 转发一条实时消息，成功后在来源端标记已读
func (b *Bridge) relayLive(ctx context.Context, entry *routing.Entry, msg *network.SourceMessage) {
	chatID := entry.Channel.ChatID
	outcome, err := b.engine.Relay(ctx, msg, chatID)
	if err != nil {
		logger.L().Errorf("Relay of message %d to chat %d finished as %s: %v", msg.ID, chatID, outcome, err)
	}
	if outcome != relay.OutcomeRelayed && outcome != relay.OutcomeReused {
		return
	}
	if err := b.source.MarkRead(ctx, entry.Entity, msg.ID); err != nil {
		logger.L().Warnf("Failed to mark message %d read in %d: %v", msg.ID, entry.SourceID, err)
	}
}

// syncProfile 重新读取来源频道并同步名称与头像
func (b *Bridge) syncProfile(ctx context.Context, entry *routing.Entry) {
	entity, err := b.source.ResolveEntity(ctx, strconv.FormatInt(entry.SourceID, 10))
	if err != nil {
		logger.L().Warnf("Failed to refresh source %d: %v", entry.SourceID, err)
		return
	}
	b.resolver.SyncProfile(ctx, entry.Channel.ChatID, entity)
}

func (b *Bridge) handleRequest(ctx context.Context, req queue.Request) {
	switch r := req.(type) {
	case queue.Backfill:
		entry, ok := b.table.ByChat(r.ChatID)
		if !ok {
			return
		}
		b.chats.Submit(r.ChatID, "backfill", func(ctx context.Context) {
			if _, err := b.reconciler.Run(ctx, entry.Entity, r.ChatID); err != nil {
				logger.L().Errorf("Backfill of chat %d failed: %v", r.ChatID, err)
			}
		})

	case queue.AddChannel:
		// 解析与加入频道耗时较长，不阻塞来源端循环
		b.handlers.Add(1)
		go func() {
			defer b.handlers.Done()
			b.safely("add channel", func() { b.addChannel(ctx, r) })
		}()

	case queue.RemoveChannel:
		b.removeChannel(ctx, r)

	default:
		logger.L().Warnf("Unknown work request: %T", req)
	}
}

// addChannel 解析来源、新建广播并开始镜像
func (b *Bridge) addChannel(ctx context.Context, req queue.AddChannel) {
	entity, err := b.resolver.Lookup(ctx, req.Identifier)
	if err != nil {
		logger.L().Errorf("Failed to add channel %s: %v", req.Identifier, err)
		b.reply(ctx, req.ReplyChat, fmt.Sprintf("❌ Failed to resolve %s: %v", req.Identifier, err))
		return
	}
	if entry, ok := b.table.BySource(entity.ID); ok {
		b.reply(ctx, req.ReplyChat, fmt.Sprintf("❌ %s is already mirrored to chat %d", entity.Title, entry.Channel.ChatID))
		return
	}

	chatID, err := b.createBroadcast(ctx, entity.Title)
	if err != nil {
		logger.L().Errorf("Failed to add channel %s: %v", req.Identifier, err)
		b.reply(ctx, req.ReplyChat, fmt.Sprintf("❌ Failed to create broadcast for %s: %v", entity.Title, err))
		return
	}

	media := models.DefaultMediaPolicy()
	media.Photo.Enabled = !req.NoPhoto
	media.Video.Enabled = !req.NoVideo
	channel := &models.Channel{
		ChatID:    chatID,
		Source:    strconv.FormatInt(entity.ID, 10),
		Name:      entity.Title,
		Enabled:   true,
		PhotoMode: models.PhotoModeManual,
		Media:     media,
	}
	if err := b.channels.Register(ctx, channel, entity); err != nil {
		logger.L().Errorf("Failed to register channel %s: %v", req.Identifier, err)
		b.reply(ctx, req.ReplyChat, fmt.Sprintf("❌ Failed to register %s: %v", entity.Title, err))
		return
	}
	b.resolver.SyncProfile(ctx, chatID, entity)
	metrics.SetRoutedChannels(b.table.Len())

	text := fmt.Sprintf("✅ Mirroring %s (%d) to chat %d", entity.Title, entity.ID, chatID)
	if qr, err := b.dest.GetInviteQR(ctx, b.opts.AccountID, chatID); err != nil {
		logger.L().Warnf("Failed to get invite QR of chat %d: %v", chatID, err)
	} else {
		text += "\n" + qr
	}
	b.reply(ctx, req.ReplyChat, text)
	b.notifier.Notify(ctx, fmt.Sprintf("➕ Channel added: %s (%d) -> chat %d", entity.Title, entity.ID, chatID))
}

// removeChannel 停止镜像并删除注册记录（已转发的消息保留）
func (b *Bridge) removeChannel(ctx context.Context, req queue.RemoveChannel) {
	entry, err := b.channels.Remove(ctx, req.ChatID)
	if err != nil {
		if models.IsNotFound(err) {
			b.reply(ctx, req.ReplyChat, fmt.Sprintf("❌ Channel %d not found", req.ChatID))
			return
		}
		logger.L().Errorf("Failed to remove channel %d: %v", req.ChatID, err)
		b.reply(ctx, req.ReplyChat, fmt.Sprintf("❌ Failed to remove channel %d: %v", req.ChatID, err))
		return
	}
	metrics.SetRoutedChannels(b.table.Len())

	name := strconv.FormatInt(req.ChatID, 10)
	if entry != nil {
		name = fmt.Sprintf("%d (%s)", req.ChatID, entry.Channel.Name)
	}
	b.reply(ctx, req.ReplyChat, fmt.Sprintf("✅ Channel %s removed", name))
	b.notifier.Notify(ctx, fmt.Sprintf("➖ Channel removed: %s", name))
}

// runDestination 目标端事件循环
func (b *Bridge) runDestination(ctx context.Context) {
	logger.L().Info("Destination loop started")
	for {
		event, err := b.dest.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.L().Info("Destination loop stopped")
				return
			}
			logger.L().Errorf("Failed to get next event: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.safely(event.Kind, func() { b.handleDestEvent(ctx, event) })
	}
}

func (b *Bridge) handleDestEvent(ctx context.Context, event *network.Event) {
	if event == nil {
		return
	}
	if event.AccountID != 0 && event.AccountID != b.opts.AccountID {
		return
	}
	metrics.RecordEvent(event.Kind)

	switch event.Kind {
	case network.EventMemberAdded, network.EventSecureJoinQrSuccess:
		b.triggerBackfill(event.ChatID)
	case network.EventChatlistItemChanged:
		// 每次向广播发送消息也会触发，只在订阅人数增加时补发
		if b.recipientsGrew(ctx, event.ChatID) {
			b.triggerBackfill(event.ChatID)
		}
	case network.EventSecureJoinProgress:
		if event.Progress == network.SecureJoinComplete {
			b.triggerBackfill(event.ChatID)
		}
	case network.EventMemberRemoved, network.EventChatModified:
		b.reconcileMembership(ctx, event.ChatID)
	case network.EventIncomingMsg:
		b.handleIncoming(ctx, event)
	case network.EventMsgFailed:
		info, err := b.dest.GetMessageInfo(ctx, b.opts.AccountID, event.MsgID)
		if err != nil {
			info = err.Error()
		}
		logger.L().Warnf("Message %d in chat %d failed: %s", event.MsgID, event.ChatID, info)
	case network.EventError:
		logger.L().Errorf("Delta Chat error: %s", event.Comment)
	case network.EventWarning:
		logger.L().Warnf("Delta Chat warning: %s", event.Comment)
	}
}

// triggerBackfill 向来源端循环投递补发请求
func (b *Bridge) triggerBackfill(chatID int64) {
	if !b.opts.HistoryEnabled || chatID == 0 {
		return
	}
	entry, ok := b.table.ByChat(chatID)
	if !ok || !entry.Channel.Enabled {
		return
	}
	b.work.Submit(queue.Backfill{ChatID: chatID})
}

// handleIncoming 处理管理员私聊中的命令
func (b *Bridge) handleIncoming(ctx context.Context, event *network.Event) {
	msg, err := b.dest.GetMessage(ctx, b.opts.AccountID, event.MsgID)
	if err != nil {
		logger.L().Warnf("Failed to load message %d: %v", event.MsgID, err)
		return
	}

	reply, err := b.interpreter.Handle(ctx, msg)
	if err != nil {
		logger.L().Errorf("Failed to handle command from contact %d: %v", msg.FromID, err)
	}
	if reply == "" {
		return
	}
	b.reply(ctx, msg.ChatID, reply)
}

func (b *Bridge) reply(ctx context.Context, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := b.dest.SendMessage(ctx, b.opts.AccountID, chatID, network.OutgoingMessage{Text: text}); err != nil {
		logger.L().Errorf("Failed to reply to chat %d: %v", chatID, err)
	}
}

// safely 执行处理函数，带 panic recovery
func (b *Bridge) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Errorf("Handler %s panic recovered: %v", name, r)
		}
	}()
	fn()
}
