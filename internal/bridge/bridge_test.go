package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dc_bridge/internal/bridge/backfill"
	"dc_bridge/internal/bridge/bridgetest"
	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/queue"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/bridge/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminID   = 42
	adminChat = 500
	newsID    = -1001
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type harness struct {
	source   *bridgetest.Source
	dest     *bridgetest.Destination
	repo     *bridgetest.ChannelRepository
	messages *bridgetest.MessageRepository
	table    *routing.Table
	work     *queue.Queue
	notifier *recordingNotifier
	bridge   *Bridge
}

func newHarness(t *testing.T, opts Options, channels ...*models.Channel) *harness {
	t.Helper()

	h := &harness{
		source:   bridgetest.NewSource(),
		dest:     bridgetest.NewDestination(),
		repo:     bridgetest.NewChannelRepository(channels...),
		messages: bridgetest.NewMessageRepository(),
		table:    routing.NewTable(),
		work:     queue.New(16),
		notifier: &recordingNotifier{},
	}
	h.source.AddEntity(&network.Entity{ID: newsID, Title: "News", Username: "news", IsMember: true})

	if opts.AccountID == 0 {
		opts.AccountID = 1
	}
	h.bridge = New(Deps{
		Source:   h.source,
		Dest:     h.dest,
		Channels: service.NewChannelService(opts.AccountID, h.repo, h.table),
		Admins:   service.NewAdminService(bridgetest.NewAdminRepository(adminID), "s3cret"),
		Messages: h.messages,
		Table:    h.table,
		Work:     h.work,
		Notifier: h.notifier,
	}, opts)
	return h
}

// start 运行桥接，返回停止函数
func (h *harness) start(t *testing.T, seeds ...Seed) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bridge.Run(ctx, seeds) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("bridge did not stop")
		}
	}
}

func (h *harness) command(text string) {
	id := h.dest.AddIncoming(adminChat, adminID, text)
	h.dest.Emit(&network.Event{AccountID: 1, Kind: network.EventIncomingMsg, ChatID: adminChat, MsgID: id})
}

func (h *harness) replies() []string {
	var out []string
	for _, m := range h.dest.SentTo(adminChat) {
		out = append(out, m.Message.Text)
	}
	return out
}

// reply 返回第一条以 prefix 开头的回复
// 排队回复与处理结果分别由两个循环发出，先后顺序不固定
func (h *harness) reply(prefix string) (string, bool) {
	for _, text := range h.replies() {
		if strings.HasPrefix(text, prefix) {
			return text, true
		}
	}
	return "", false
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}

func TestBridgeRelaysLiveMessages(t *testing.T) {
	h := newHarness(t, Options{}, bridgetest.Channel(10, "-1001"))
	stop := h.start(t)
	defer stop()

	eventually(t, func() bool { return h.table.IsRouted(10) }, "channel not routed")

	ctx := context.Background()
	h.bridge.OnMessage(ctx, &network.SourceMessage{ID: 5, ChatID: -1999, Text: "not routed"})
	h.bridge.OnMessage(ctx, &network.SourceMessage{ID: 5, ChatID: newsID, Text: "hello"})
	h.bridge.OnMessage(ctx, &network.SourceMessage{ID: 6, ChatID: newsID, Text: "world"})

	eventually(t, func() bool { return len(h.dest.SentTo(10)) == 2 }, "messages not relayed")
	sent := h.dest.SentTo(10)
	assert.Equal(t, "hello", sent[0].Message.Text)
	assert.Equal(t, "world", sent[1].Message.Text)
	assert.Len(t, h.dest.Sent(), 2)

	eventually(t, func() bool { return h.source.ReadUpTo(newsID) == 6 }, "messages not marked read")
	assert.Len(t, h.messages.Rows(10), 2)
}

func TestBridgeBootstrapExcludesUnresolvable(t *testing.T) {
	h := newHarness(t, Options{},
		bridgetest.Channel(10, "@news"),
		bridgetest.Channel(20, "@missing"),
	)

	require.NoError(t, h.bridge.Bootstrap(context.Background(), nil))

	assert.True(t, h.table.IsRouted(10))
	assert.False(t, h.table.IsRouted(20))

	stored, err := h.repo.Get(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "-1001", stored.Source, "canonical id should be persisted")

	_, err = h.repo.Get(context.Background(), 1, 20)
	require.NoError(t, err, "unresolvable channel must stay in the registry")

	require.Len(t, h.notifier.Messages(), 1)
	assert.Contains(t, h.notifier.Messages()[0], "Channel 20")
}

func TestBridgeBootstrapFailsOnRegistryError(t *testing.T) {
	h := newHarness(t, Options{})
	h.repo.Err = assert.AnError

	err := h.bridge.Bootstrap(context.Background(), nil)
	require.Error(t, err)
}

func TestBridgeBootstrapSeedsConfigChannels(t *testing.T) {
	h := newHarness(t, Options{SendStart: true})
	seed := Seed{Channel: &models.Channel{Source: "@news", Enabled: true, PhotoMode: models.PhotoModeManual, Media: models.DefaultMediaPolicy()}}

	require.NoError(t, h.bridge.Bootstrap(context.Background(), []Seed{seed}))

	entry, ok := h.table.BySource(newsID)
	require.True(t, ok, "seeded channel not routed")
	chatID := entry.Channel.ChatID
	assert.Equal(t, network.VisibilityNormal, h.dest.Visibility(chatID))

	sent := h.dest.SentTo(chatID)
	require.Len(t, sent, 1)
	assert.Equal(t, "start", sent[0].Message.Text)

	info, ok := h.dest.Chat(chatID)
	require.True(t, ok)
	assert.Equal(t, "News", info.Name)

	// 再次启动时按规范 ID 匹配已有记录，不重复建群
	table := routing.NewTable()
	restarted := New(Deps{
		Source:   h.source,
		Dest:     h.dest,
		Channels: service.NewChannelService(1, h.repo, table),
		Admins:   service.NewAdminService(bridgetest.NewAdminRepository(), ""),
		Messages: h.messages,
		Table:    table,
		Work:     queue.New(4),
	}, Options{AccountID: 1, SendStart: true})

	require.NoError(t, restarted.Bootstrap(context.Background(), []Seed{seed}))
	channels, err := h.repo.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, channels, 1)
	assert.True(t, table.IsRouted(chatID))
}

func TestBridgeBootstrapKeepsRegistryForKnownChat(t *testing.T) {
	existing := bridgetest.Channel(10, "-1001")
	existing.Media.Video.Enabled = false
	h := newHarness(t, Options{}, existing)

	seed := Seed{Channel: bridgetest.Channel(10, "-1001")}
	require.NoError(t, h.bridge.Bootstrap(context.Background(), []Seed{seed}))

	stored, err := h.repo.Get(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.False(t, stored.Media.Video.Enabled, "registry must stay authoritative")
}

func TestBridgeBootstrapRecreatesMissingChat(t *testing.T) {
	h := newHarness(t, Options{})
	channel := &models.Channel{ChatID: 777, Source: "@news", Enabled: true, PhotoMode: models.PhotoModeManual, Media: models.DefaultMediaPolicy()}
	seed := Seed{Channel: channel}

	require.NoError(t, h.bridge.Bootstrap(context.Background(), []Seed{seed}))

	entry, ok := h.table.BySource(newsID)
	require.True(t, ok, "seeded channel not routed")
	chatID := entry.Channel.ChatID
	assert.NotEqual(t, int64(777), chatID)
	_, ok = h.dest.Chat(chatID)
	assert.True(t, ok, "broadcast not created")

	_, err := h.repo.Get(context.Background(), 1, 777)
	assert.True(t, models.IsNotFound(err), "missing chat must not be registered")

	// 再次启动时沿用新建的广播
	require.NoError(t, h.bridge.Bootstrap(context.Background(), []Seed{seed}))
	channels, err := h.repo.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, chatID, channels[0].ChatID)
}

func TestBridgeBootstrapAdoptsConfiguredChat(t *testing.T) {
	h := newHarness(t, Options{})
	h.dest.AddChat(777, "Old")
	channel := &models.Channel{ChatID: 777, Name: "Configured", Source: "@news", Enabled: true, PhotoMode: models.PhotoModeManual, Media: models.DefaultMediaPolicy()}

	require.NoError(t, h.bridge.Bootstrap(context.Background(), []Seed{{Channel: channel}}))

	info, ok := h.dest.Chat(777)
	require.True(t, ok)
	assert.Equal(t, "Configured", info.Name)
	assert.Equal(t, network.VisibilityNormal, h.dest.Visibility(777))

	stored, err := h.repo.Get(context.Background(), 1, 777)
	require.NoError(t, err)
	assert.Equal(t, "@news", stored.Source)
	assert.True(t, h.table.IsRouted(777))
}

func TestBridgeBootstrapAppliesAvatar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "news.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	tests := []struct {
		name   string
		avatar string
		want   string
	}{
		{"existing file", path, path},
		{"missing file", filepath.Join(t.TempDir(), "missing.png"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			seed := Seed{
				Channel: &models.Channel{Source: "@news", Enabled: true, PhotoMode: models.PhotoModeManual, Media: models.DefaultMediaPolicy()},
				Avatar:  tt.avatar,
			}
			require.NoError(t, h.bridge.Bootstrap(context.Background(), []Seed{seed}))

			entry, ok := h.table.BySource(newsID)
			require.True(t, ok)
			assert.Equal(t, tt.want, h.dest.Avatar(entry.Channel.ChatID))
		})
	}
}

func TestBridgeMembershipTogglesChannel(t *testing.T) {
	h := newHarness(t, Options{}, bridgetest.Channel(10, "-1001"))
	require.NoError(t, h.bridge.Bootstrap(context.Background(), nil))
	ctx := context.Background()

	h.dest.SetContacts(10, network.SelfContactID)
	h.bridge.handleDestEvent(ctx, &network.Event{AccountID: 1, Kind: network.EventMemberRemoved, ChatID: 10})

	stored, err := h.repo.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	entry, _ := h.table.ByChat(10)
	assert.False(t, entry.Channel.Enabled)

	// 重复事件不产生新的告警
	h.bridge.handleDestEvent(ctx, &network.Event{AccountID: 1, Kind: network.EventChatModified, ChatID: 10})
	assert.Len(t, h.notifier.Messages(), 1)

	h.dest.SetContacts(10, network.SelfContactID, 77)
	h.bridge.handleDestEvent(ctx, &network.Event{AccountID: 1, Kind: network.EventChatModified, ChatID: 10})

	stored, err = h.repo.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.Len(t, h.notifier.Messages(), 2)
}

func TestBridgeMembershipIgnoresUnroutedChat(t *testing.T) {
	h := newHarness(t, Options{}, bridgetest.Channel(10, "-1001"))
	ctx := context.Background()

	h.dest.SetContacts(10, network.SelfContactID)
	h.bridge.handleDestEvent(ctx, &network.Event{AccountID: 1, Kind: network.EventMemberRemoved, ChatID: 10})

	stored, err := h.repo.Get(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
}

func TestBridgeBackfillTriggers(t *testing.T) {
	tests := []struct {
		name    string
		history bool
		event   *network.Event
		queued  bool
	}{
		{"member added", true, &network.Event{Kind: network.EventMemberAdded, ChatID: 10}, true},
		{"qr scan success", true, &network.Event{Kind: network.EventSecureJoinQrSuccess, ChatID: 10}, true},
		{"join completed", true, &network.Event{Kind: network.EventSecureJoinProgress, ChatID: 10, Progress: network.SecureJoinComplete}, true},
		{"join in progress", true, &network.Event{Kind: network.EventSecureJoinProgress, ChatID: 10, Progress: 400}, false},
		{"history disabled", false, &network.Event{Kind: network.EventMemberAdded, ChatID: 10}, false},
		{"unrouted chat", true, &network.Event{Kind: network.EventMemberAdded, ChatID: 99}, false},
		{"no chat", true, &network.Event{Kind: network.EventMemberAdded}, false},
		{"other account", true, &network.Event{AccountID: 7, Kind: network.EventMemberAdded, ChatID: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{HistoryEnabled: tt.history}, bridgetest.Channel(10, "-1001"))
			require.NoError(t, h.bridge.Bootstrap(context.Background(), nil))

			h.bridge.handleDestEvent(context.Background(), tt.event)

			if tt.queued {
				require.Len(t, h.work.C(), 1)
				assert.Equal(t, queue.Backfill{ChatID: 10}, <-h.work.C())
			} else {
				assert.Len(t, h.work.C(), 0)
			}
		})
	}
}

func TestBridgeBackfillOnChatlistChangeOnlyWhenRecipientsGrow(t *testing.T) {
	h := newHarness(t, Options{HistoryEnabled: true}, bridgetest.Channel(10, "-1001"))
	require.NoError(t, h.bridge.Bootstrap(context.Background(), nil))
	ctx := context.Background()
	changed := &network.Event{Kind: network.EventChatlistItemChanged, ChatID: 10}

	h.dest.SetContacts(10, network.SelfContactID)
	h.bridge.handleDestEvent(ctx, changed)
	assert.Len(t, h.work.C(), 0, "no recipients yet")

	h.dest.SetContacts(10, network.SelfContactID, 77)
	h.bridge.handleDestEvent(ctx, changed)
	require.Len(t, h.work.C(), 1)
	assert.Equal(t, queue.Backfill{ChatID: 10}, <-h.work.C())

	// 向广播发送消息同样产生该事件，人数不变时不补发
	h.bridge.handleDestEvent(ctx, changed)
	h.bridge.handleDestEvent(ctx, changed)
	assert.Len(t, h.work.C(), 0)

	h.dest.SetContacts(10, network.SelfContactID, 77, 78)
	h.bridge.handleDestEvent(ctx, changed)
	assert.Len(t, h.work.C(), 1)

	h.bridge.handleDestEvent(ctx, &network.Event{Kind: network.EventChatlistItemChanged})
	assert.Len(t, h.work.C(), 1)
}

func TestBridgeBackfillSkipsDisabledChannel(t *testing.T) {
	channel := bridgetest.Channel(10, "-1001")
	channel.Enabled = false
	h := newHarness(t, Options{HistoryEnabled: true}, channel)
	require.NoError(t, h.bridge.Bootstrap(context.Background(), nil))

	h.bridge.handleDestEvent(context.Background(), &network.Event{Kind: network.EventMemberAdded, ChatID: 10})
	assert.Len(t, h.work.C(), 0)
}

func TestBridgeBackfillOnMemberAdded(t *testing.T) {
	h := newHarness(t, Options{
		HistoryEnabled: true,
		Backfill:       backfill.Options{Limit: 2},
	}, bridgetest.Channel(10, "-1001"))
	h.source.AddMessages(
		&network.SourceMessage{ID: 1, ChatID: newsID, Text: "one"},
		&network.SourceMessage{ID: 2, ChatID: newsID, Text: "two"},
		&network.SourceMessage{ID: 3, ChatID: newsID, Text: "three"},
	)

	stop := h.start(t)
	defer stop()
	eventually(t, func() bool { return h.table.IsRouted(10) }, "channel not routed")

	h.dest.Emit(&network.Event{AccountID: 1, Kind: network.EventMemberAdded, ChatID: 10})

	eventually(t, func() bool { return len(h.dest.SentTo(10)) == 2 }, "history not backfilled")
	sent := h.dest.SentTo(10)
	assert.Equal(t, "two", sent[0].Message.Text)
	assert.Equal(t, "three", sent[1].Message.Text)
	assert.Contains(t, h.dest.Accepted(), int64(10))
}

func TestBridgeAddChannelCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.source.AddEntity(&network.Entity{ID: -1003, Title: "Fresh", Username: "fresh"})

	stop := h.start(t)
	defer stop()

	h.command("/add @fresh NO_VIDEO")

	eventually(t, func() bool { return len(h.replies()) == 2 }, "add not answered")
	assert.Contains(t, h.replies(), "⏳ Adding @fresh...")
	done, ok := h.reply("✅ Mirroring Fresh (-1003) to chat ")
	require.True(t, ok, "missing result reply: %v", h.replies())
	assert.Contains(t, done, "https://i.delta.chat/")

	entry, ok := h.table.BySource(-1003)
	require.True(t, ok)
	stored, err := h.repo.Get(context.Background(), 1, entry.Channel.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "-1003", stored.Source)
	assert.True(t, stored.Media.Photo.Enabled)
	assert.False(t, stored.Media.Video.Enabled)
	assert.Equal(t, network.VisibilityNormal, h.dest.Visibility(entry.Channel.ChatID))
	assert.Contains(t, h.source.Joined(), int64(-1003))
	assert.Len(t, h.notifier.Messages(), 1)
}

func TestBridgeAddChannelResolutionFailure(t *testing.T) {
	h := newHarness(t, Options{})
	stop := h.start(t)
	defer stop()

	h.command("/add @nowhere")

	eventually(t, func() bool { return len(h.replies()) == 2 }, "add not answered")
	_, ok := h.reply("❌ Failed to resolve @nowhere")
	assert.True(t, ok, "missing failure reply: %v", h.replies())
	assert.Equal(t, 0, h.table.Len())
}

func TestBridgeRemoveChannelCommand(t *testing.T) {
	h := newHarness(t, Options{}, bridgetest.Channel(10, "-1001"))
	stop := h.start(t)
	defer stop()
	eventually(t, func() bool { return h.table.IsRouted(10) }, "channel not routed")

	h.command("/delete 10")
	eventually(t, func() bool { return len(h.replies()) == 2 }, "delete not answered")
	assert.ElementsMatch(t, []string{"⏳ Removing channel 10...", "✅ Channel 10 (-1001) removed"}, h.replies())
	assert.False(t, h.table.IsRouted(10))

	_, err := h.repo.Get(context.Background(), 1, 10)
	assert.True(t, models.IsNotFound(err))

	h.command("/delete 10")
	eventually(t, func() bool { return len(h.replies()) == 4 }, "second delete not answered")
	assert.Contains(t, h.replies(), "❌ Channel 10 not found")
}

func TestBridgeIgnoresCommandsFromStrangers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	id := h.dest.AddIncoming(600, 99, "/help")
	h.bridge.handleDestEvent(ctx, &network.Event{AccountID: 1, Kind: network.EventIncomingMsg, ChatID: 600, MsgID: id})
	assert.Empty(t, h.dest.SentTo(600))

	id = h.dest.AddIncoming(600, 99, "s3cret")
	h.bridge.handleDestEvent(ctx, &network.Event{AccountID: 1, Kind: network.EventIncomingMsg, ChatID: 600, MsgID: id})
	sent := h.dest.SentTo(600)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Message.Text, "Access granted")
}

func TestBridgeChatActionSyncsProfileInAutoMode(t *testing.T) {
	channel := bridgetest.Channel(10, "-1001")
	channel.PhotoMode = models.PhotoModeAuto
	h := newHarness(t, Options{}, channel)
	h.dest.AddChat(10, "Old")

	stop := h.start(t)
	defer stop()
	eventually(t, func() bool {
		info, _ := h.dest.Chat(10)
		return info != nil && info.Name == "News"
	}, "profile not synced at startup")

	h.source.AddEntity(&network.Entity{ID: newsID, Title: "Renamed", IsMember: true, HasPhoto: true})
	h.bridge.OnChatAction(context.Background(), &network.ChatAction{ChatID: newsID, TitleChanged: true, PhotoChanged: true})

	eventually(t, func() bool {
		info, _ := h.dest.Chat(10)
		return info != nil && info.Name == "Renamed"
	}, "profile not synced after chat action")
	eventually(t, func() bool { return h.dest.Avatar(10) != "" }, "avatar not synced")
}
