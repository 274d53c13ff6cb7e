package command

import (
	"context"
	"errors"
	"strings"
	"testing"

	"dc_bridge/internal/bridge/bridgetest"
	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/queue"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/bridge/service"
)

const (
	secret     = "open-sesame"
	adminID    = int64(42)
	strangerID = int64(43)
	dmChat     = int64(5)
)

type fixture struct {
	interp   *Interpreter
	repo     *bridgetest.ChannelRepository
	table    *routing.Table
	queue    *queue.Queue
	channels *service.ChannelServiceImpl
}

func newFixture(t *testing.T, queueSize int, admins ...int64) *fixture {
	t.Helper()

	channel := bridgetest.Channel(10, "-1001")
	channel.Name = "News"
	repo := bridgetest.NewChannelRepository(channel)
	table := routing.NewTable()
	channels := service.NewChannelService(1, repo, table)
	if err := channels.Route(channel, &network.Entity{ID: -1001, Username: "news"}); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	q := queue.New(queueSize)
	adminSvc := service.NewAdminService(bridgetest.NewAdminRepository(admins...), secret)
	return &fixture{
		interp:   NewInterpreter(adminSvc, channels, table, bridgetest.NewDestination(), q, 1),
		repo:     repo,
		table:    table,
		queue:    q,
		channels: channels,
	}
}

func (f *fixture) send(t *testing.T, from int64, text string) string {
	t.Helper()
	reply, err := f.interp.Handle(context.Background(), &network.DestMessage{ID: 1, ChatID: dmChat, FromID: from, Text: text})
	if err != nil {
		t.Fatalf("Handle(%q) failed: %v", text, err)
	}
	return reply
}

func TestCommandGate(t *testing.T) {
	f := newFixture(t, 8)

	if reply := f.send(t, strangerID, "/links"); reply != "" {
		t.Fatalf("unauthenticated /links must be ignored, got %q", reply)
	}
	if reply := f.send(t, strangerID, "wrong secret"); reply != "" {
		t.Fatalf("wrong secret must be ignored, got %q", reply)
	}

	reply := f.send(t, strangerID, secret)
	if !strings.HasPrefix(reply, "✅ Access granted") || !strings.Contains(reply, "/links") {
		t.Fatalf("unexpected ack: %q", reply)
	}

	reply = f.send(t, strangerID, "/links")
	if !strings.Contains(reply, "News (chat 10)") || !strings.Contains(reply, "https://i.delta.chat/#chat10") {
		t.Fatalf("unexpected links reply: %q", reply)
	}
}

func TestCommandIgnoredMessages(t *testing.T) {
	f := newFixture(t, 8, adminID)
	ctx := context.Background()
	// 注册表中存在但解析失败未路由的频道
	if err := f.repo.Upsert(ctx, bridgetest.Channel(11, "@gone")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	tests := []struct {
		name string
		msg  *network.DestMessage
	}{
		{name: "unknown verb", msg: &network.DestMessage{ChatID: dmChat, FromID: adminID, Text: "hello there"}},
		{name: "empty text", msg: &network.DestMessage{ChatID: dmChat, FromID: adminID, Text: "   "}},
		{name: "routed broadcast chat", msg: &network.DestMessage{ChatID: 10, FromID: adminID, Text: "/help"}},
		{name: "registered but unrouted chat", msg: &network.DestMessage{ChatID: 11, FromID: adminID, Text: "/help"}},
		{name: "info message", msg: &network.DestMessage{ChatID: dmChat, FromID: adminID, Text: "/help", IsInfo: true}},
		{name: "self", msg: &network.DestMessage{ChatID: dmChat, FromID: network.SelfContactID, Text: "/help"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := f.interp.Handle(ctx, tt.msg)
			if err != nil || reply != "" {
				t.Fatalf("expected silence, got %q, %v", reply, err)
			}
		})
	}
}

func TestCommandVerbsAreCaseInsensitive(t *testing.T) {
	f := newFixture(t, 8, adminID)

	for _, text := range []string{"help", "/help", "HELP", "/Help"} {
		if reply := f.send(t, adminID, text); reply != HelpText {
			t.Fatalf("%q: unexpected reply %q", text, reply)
		}
	}
}

func TestCommandLink(t *testing.T) {
	f := newFixture(t, 8, adminID)
	ctx := context.Background()

	reply := f.send(t, adminID, "/link 10 NO_PHOTO")
	if reply != "✅ Channel 10 updated: photo=off, video=on" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	stored, _ := f.repo.Get(ctx, 1, 10)
	entry, _ := f.table.ByChat(10)
	if stored.Media.Photo.Enabled || !stored.Media.Video.Enabled {
		t.Fatalf("registry not updated: %+v", stored.Media)
	}
	if entry.Channel.Media.Photo.Enabled {
		t.Fatalf("routing table not updated")
	}

	if reply := f.send(t, adminID, "/links"); !strings.Contains(reply, "[NO_PHOTO]") {
		t.Fatalf("links should show suppression flags: %q", reply)
	}

	// 不带标记时恢复全部媒体
	f.send(t, adminID, "/link 10")
	stored, _ = f.repo.Get(ctx, 1, 10)
	if !stored.Media.Photo.Enabled || !stored.Media.Video.Enabled {
		t.Fatalf("expected both media types enabled: %+v", stored.Media)
	}
}

func TestCommandToggle(t *testing.T) {
	f := newFixture(t, 8, adminID)

	if reply := f.send(t, adminID, "/video 10 off"); reply != "✅ Channel 10: video relay off" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	stored, _ := f.repo.Get(context.Background(), 1, 10)
	if stored.Media.Video.Enabled || !stored.Media.Photo.Enabled {
		t.Fatalf("unexpected media: %+v", stored.Media)
	}

	if reply := f.send(t, adminID, "/photo 99 on"); reply != "❌ Channel 99 not found" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestCommandUsage(t *testing.T) {
	f := newFixture(t, 8, adminID)

	tests := []struct {
		text string
		want string
	}{
		{text: "/link", want: usageLink},
		{text: "/link abc", want: usageLink},
		{text: "/link 10 NO_AUDIO", want: usageLink},
		{text: "/photo 10", want: "Usage: /photo <chat_id> on|off"},
		{text: "/video 10 maybe", want: "Usage: /video <chat_id> on|off"},
		{text: "/delete", want: usageDelete},
		{text: "/delete x", want: usageDelete},
		{text: "/add", want: usageAdd},
		{text: "/add @x BOGUS", want: usageAdd},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if reply := f.send(t, adminID, tt.text); reply != "❌ "+tt.want {
				t.Fatalf("reply = %q, want %q", reply, "❌ "+tt.want)
			}
		})
	}
}

func TestCommandAddEnqueues(t *testing.T) {
	f := newFixture(t, 8, adminID)

	reply := f.send(t, adminID, "/add @durov no_photo NO_VIDEO")
	if reply != "⏳ Adding @durov..." {
		t.Fatalf("unexpected reply: %q", reply)
	}

	req := <-f.queue.C()
	add, ok := req.(queue.AddChannel)
	if !ok {
		t.Fatalf("unexpected request %#v", req)
	}
	if add.Identifier != "@durov" || !add.NoPhoto || !add.NoVideo || add.ReplyChat != dmChat {
		t.Fatalf("unexpected add request: %+v", add)
	}
}

func TestCommandAddRejectsDuplicates(t *testing.T) {
	f := newFixture(t, 8, adminID)

	for _, identifier := range []string{"-1001", "@news", "news"} {
		reply := f.send(t, adminID, "/add "+identifier)
		if !strings.HasPrefix(reply, "❌ ") || !strings.Contains(reply, "already mirrored to chat 10") {
			t.Fatalf("%s: unexpected reply %q", identifier, reply)
		}
	}

	select {
	case req := <-f.queue.C():
		t.Fatalf("duplicate must not be enqueued: %#v", req)
	default:
	}
}

func TestCommandDeleteEnqueues(t *testing.T) {
	f := newFixture(t, 8, adminID)

	if reply := f.send(t, adminID, "/delete 10"); reply != "⏳ Removing channel 10..." {
		t.Fatalf("unexpected reply: %q", reply)
	}
	req := <-f.queue.C()
	if rm, ok := req.(queue.RemoveChannel); !ok || rm.ChatID != 10 || rm.ReplyChat != dmChat {
		t.Fatalf("unexpected request: %#v", req)
	}
}

func TestCommandBusyQueue(t *testing.T) {
	f := newFixture(t, 1, adminID)
	f.queue.Submit(queue.Backfill{ChatID: 10})

	if reply := f.send(t, adminID, "/delete 10"); reply != "❌ "+replyBusy {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestCommandLinksEmpty(t *testing.T) {
	f := newFixture(t, 8, adminID)
	if _, err := f.channels.Remove(context.Background(), 10); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if reply := f.send(t, adminID, "/links"); reply != "No channels are mirrored yet." {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestCommandStorageErrorSurfaces(t *testing.T) {
	f := newFixture(t, 8, adminID)
	f.repo.Err = errors.New("disk gone")

	reply, err := f.interp.Handle(context.Background(), &network.DestMessage{ChatID: dmChat, FromID: adminID, Text: "/photo 10 off"})
	if err == nil {
		t.Fatalf("expected storage error")
	}
	if reply != "❌ "+replyInternalError {
		t.Fatalf("unexpected reply: %q", reply)
	}
	var storageErr *models.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}
