package relay

import (
	"context"
	"errors"
	"testing"

	"dc_bridge/internal/bridge/bridgetest"
	"dc_bridge/internal/bridge/models"
	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/bridge/routing"
	"dc_bridge/internal/bridge/service"
)

const (
	testChatID   = int64(10)
	testSourceID = int64(-1001)
)

type engineFixture struct {
	engine   *Engine
	source   *bridgetest.Source
	dest     *bridgetest.Destination
	channels *service.ChannelServiceImpl
	messages *bridgetest.MessageRepository
}

func newEngineFixture(t *testing.T, channel *models.Channel, opts Options) *engineFixture {
	t.Helper()

	source := bridgetest.NewSource()
	dest := bridgetest.NewDestination()
	dest.AddChat(channel.ChatID, channel.Name)
	channels := service.NewChannelService(1, bridgetest.NewChannelRepository(channel), routing.NewTable())
	messages := bridgetest.NewMessageRepository()
	opts.AccountID = 1

	return &engineFixture{
		engine:   NewEngine(source, dest, channels, messages, opts),
		source:   source,
		dest:     dest,
		channels: channels,
		messages: messages,
	}
}

func textMessage(id int64, text string) *network.SourceMessage {
	return &network.SourceMessage{ID: id, ChatID: testSourceID, Text: text}
}

func TestEngineRelayText(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})

	outcome, err := f.engine.Relay(context.Background(), textMessage(1, "hello"), testChatID)
	if err != nil || outcome != OutcomeRelayed {
		t.Fatalf("unexpected result: %v, %v", outcome, err)
	}

	sent := f.dest.SentTo(testChatID)
	if len(sent) != 1 || sent[0].Message.Text != "hello" || sent[0].Message.File != "" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}

	row, err := f.messages.GetBySourceID(context.Background(), testChatID, 1)
	if err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if row.DestMessageID != sent[0].ID || row.MediaKind != models.MediaKindText {
		t.Fatalf("unexpected ledger row: %+v", row)
	}
}

func TestEngineRelayIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	ctx := context.Background()
	msg := &network.SourceMessage{ID: 5, ChatID: testSourceID, Text: "pic", Media: network.MediaPhoto}

	if outcome, _ := f.engine.Relay(ctx, msg, testChatID); outcome != OutcomeRelayed {
		t.Fatalf("first relay: got %v", outcome)
	}
	if outcome, _ := f.engine.Relay(ctx, msg, testChatID); outcome != OutcomeReused {
		t.Fatalf("second relay: got %v", outcome)
	}

	if got := len(f.messages.Rows(testChatID)); got != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", got)
	}
	if got := len(f.source.Downloads()); got != 1 {
		t.Fatalf("media downloaded %d times, want 1", got)
	}
	if got := len(f.dest.SentTo(testChatID)); got != 1 {
		t.Fatalf("destination written %d times, want 1", got)
	}
}

func TestEngineRelayAgainAfterDestinationDeletion(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	ctx := context.Background()

	_, _ = f.engine.Relay(ctx, textMessage(5, "a"), testChatID)
	first := f.dest.SentTo(testChatID)[0].ID
	f.dest.DeleteMessage(first)

	outcome, err := f.engine.Relay(ctx, textMessage(5, "a"), testChatID)
	if err != nil || outcome != OutcomeRelayed {
		t.Fatalf("unexpected result: %v, %v", outcome, err)
	}

	rows := f.messages.Rows(testChatID)
	if len(rows) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(rows))
	}
	if rows[0].DestMessageID == first {
		t.Fatalf("ledger still points at the deleted message")
	}
}

func TestEngineReplyThreading(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	ctx := context.Background()

	reply := &network.SourceMessage{ID: 2, ChatID: testSourceID, Text: "B", ReplyToID: 1}

	t.Run("parent missing", func(t *testing.T) {
		outcome, err := f.engine.Relay(ctx, reply, testChatID)
		if err != nil || outcome != OutcomeRelayed {
			t.Fatalf("unexpected result: %v, %v", outcome, err)
		}
		if q := f.dest.SentTo(testChatID)[0].Message.QuotedMessageID; q != 0 {
			t.Fatalf("expected no quote, got %d", q)
		}
	})

	t.Run("parent relayed first", func(t *testing.T) {
		_, _ = f.engine.Relay(ctx, textMessage(3, "A"), testChatID)
		parent := f.dest.SentTo(testChatID)[1].ID

		child := &network.SourceMessage{ID: 4, ChatID: testSourceID, Text: "B", ReplyToID: 3}
		if outcome, err := f.engine.Relay(ctx, child, testChatID); err != nil || outcome != OutcomeRelayed {
			t.Fatalf("unexpected result: %v, %v", outcome, err)
		}
		if q := f.dest.SentTo(testChatID)[2].Message.QuotedMessageID; q != parent {
			t.Fatalf("quoted id = %d, want %d", q, parent)
		}
	})
}

func TestEngineReplyToDeletedParent(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	ctx := context.Background()

	_, _ = f.engine.Relay(ctx, textMessage(1, "A"), testChatID)
	f.dest.DeleteMessage(f.dest.SentTo(testChatID)[0].ID)

	child := &network.SourceMessage{ID: 2, ChatID: testSourceID, Text: "B", ReplyToID: 1}
	outcome, err := f.engine.Relay(ctx, child, testChatID)
	if err != nil || outcome != OutcomeRelayed {
		t.Fatalf("reply to a deleted parent must still relay: %v, %v", outcome, err)
	}

	sent := f.dest.SentTo(testChatID)
	if len(sent) != 2 || sent[1].Message.QuotedMessageID != 0 {
		t.Fatalf("expected an unquoted reply, got %+v", sent)
	}
	if _, err := f.messages.GetBySourceID(ctx, testChatID, 2); err != nil {
		t.Fatalf("reply should be recorded: %v", err)
	}
}

func TestEngineMediaPolicy(t *testing.T) {
	tests := []struct {
		name         string
		media        network.MediaType
		caption      string
		configure    func(*models.Channel)
		wantText     string
		wantFile     bool
		wantDownload bool
		wantKind     models.MediaKind
	}{
		{
			name:         "photo enabled",
			media:        network.MediaPhoto,
			caption:      "caption",
			wantText:     "caption",
			wantFile:     true,
			wantDownload: true,
			wantKind:     models.MediaKindImage,
		},
		{
			name:      "photo disabled without caption",
			media:     network.MediaPhoto,
			configure: func(c *models.Channel) { c.Media.Photo.Enabled = false },
			wantText:  "[Photo]",
			wantKind:  models.MediaKindText,
		},
		{
			name:    "video disabled with caption",
			media:   network.MediaVideo,
			caption: "watch",
			configure: func(c *models.Channel) {
				c.Media.Video.Enabled = false
				c.Media.Video.FallbackText = "[Video skipped]"
			},
			wantText: "[Video skipped]\nwatch",
			wantKind: models.MediaKindText,
		},
		{
			name:         "video enabled",
			media:        network.MediaVideo,
			wantFile:     true,
			wantDownload: true,
			wantKind:     models.MediaKindVideo,
		},
		{
			name:  "generic file always attached",
			media: network.MediaFile,
			configure: func(c *models.Channel) {
				c.Media.Photo.Enabled = false
				c.Media.Video.Enabled = false
			},
			wantFile:     true,
			wantDownload: true,
			wantKind:     models.MediaKindFile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channel := bridgetest.Channel(testChatID, "@news")
			if tt.configure != nil {
				tt.configure(channel)
			}
			f := newEngineFixture(t, channel, Options{})

			msg := &network.SourceMessage{ID: 7, ChatID: testSourceID, Text: tt.caption, Media: tt.media}
			outcome, err := f.engine.Relay(context.Background(), msg, testChatID)
			if err != nil || outcome != OutcomeRelayed {
				t.Fatalf("unexpected result: %v, %v", outcome, err)
			}

			sent := f.dest.SentTo(testChatID)[0].Message
			if sent.Text != tt.wantText {
				t.Fatalf("text = %q, want %q", sent.Text, tt.wantText)
			}
			if (sent.File != "") != tt.wantFile {
				t.Fatalf("file = %q, want attachment %v", sent.File, tt.wantFile)
			}
			if (len(f.source.Downloads()) > 0) != tt.wantDownload {
				t.Fatalf("downloads = %v, want download %v", f.source.Downloads(), tt.wantDownload)
			}

			row, _ := f.messages.GetBySourceID(context.Background(), testChatID, 7)
			if row.MediaKind != tt.wantKind {
				t.Fatalf("media kind = %q, want %q", row.MediaKind, tt.wantKind)
			}
		})
	}
}

func TestEngineDownloadFailureFallsBack(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	f.source.SetDownloadError(errors.New("file reference expired"))

	msg := &network.SourceMessage{ID: 8, ChatID: testSourceID, Text: "look", Media: network.MediaPhoto}
	outcome, err := f.engine.Relay(context.Background(), msg, testChatID)
	if err != nil || outcome != OutcomeRelayed {
		t.Fatalf("unexpected result: %v, %v", outcome, err)
	}

	sent := f.dest.SentTo(testChatID)[0].Message
	if sent.Text != "[Photo]\nlook" || sent.File != "" {
		t.Fatalf("unexpected message: %+v", sent)
	}
}

func TestEngineDropsDisabledChannel(t *testing.T) {
	channel := bridgetest.Channel(testChatID, "@news")
	channel.Enabled = false
	f := newEngineFixture(t, channel, Options{})

	outcome, err := f.engine.Relay(context.Background(), textMessage(1, "hello"), testChatID)
	if err != nil || outcome != OutcomeDropped {
		t.Fatalf("unexpected result: %v, %v", outcome, err)
	}
	if len(f.dest.Sent()) != 0 || len(f.messages.Rows(testChatID)) != 0 {
		t.Fatalf("disabled channel must not be written")
	}
}

func TestEngineDropsEmptyMessage(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})

	outcome, err := f.engine.Relay(context.Background(), textMessage(1, ""), testChatID)
	if err != nil || outcome != OutcomeDropped {
		t.Fatalf("unexpected result: %v, %v", outcome, err)
	}
}

func TestEngineDropsUnknownChat(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})

	outcome, err := f.engine.Relay(context.Background(), textMessage(1, "hi"), 999)
	if err != nil || outcome != OutcomeDropped {
		t.Fatalf("unexpected result: %v, %v", outcome, err)
	}
}

func TestEngineSendFailureLeavesNoRow(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	f.dest.SetSendError(testChatID, errors.New("smtp down"))

	outcome, err := f.engine.Relay(context.Background(), textMessage(1, "hello"), testChatID)
	if outcome != OutcomeFailed {
		t.Fatalf("unexpected outcome: %v", outcome)
	}
	var failure *models.SendFailure
	if !errors.As(err, &failure) || failure.ChatID != testChatID {
		t.Fatalf("expected SendFailure, got %v", err)
	}
	if len(f.messages.Rows(testChatID)) != 0 {
		t.Fatalf("failed write must not create a ledger row")
	}
}

func TestEngineLedgerFailureIsReported(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{})
	f.messages.Err = errors.New("db offline")

	outcome, err := f.engine.Relay(context.Background(), textMessage(1, "hello"), testChatID)
	if outcome != OutcomeFailed {
		t.Fatalf("unexpected outcome: %v", outcome)
	}
	var storageErr *models.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestEngineSenderNames(t *testing.T) {
	f := newEngineFixture(t, bridgetest.Channel(testChatID, "@news"), Options{SenderNames: true})

	msg := textMessage(1, "hello")
	msg.SenderName = "Editor"
	if _, err := f.engine.Relay(context.Background(), msg, testChatID); err != nil {
		t.Fatalf("Relay failed: %v", err)
	}
	if name := f.dest.SentTo(testChatID)[0].Message.OverrideSenderName; name != "Editor" {
		t.Fatalf("override sender = %q, want Editor", name)
	}
}

func TestOutcomeString(t *testing.T) {
	want := map[Outcome]string{
		OutcomeRelayed: "relayed",
		OutcomeReused:  "reused",
		OutcomeDropped: "dropped",
		OutcomeFailed:  "failed",
	}
	for outcome, s := range want {
		if outcome.String() != s {
			t.Fatalf("%d.String() = %q, want %q", outcome, outcome.String(), s)
		}
	}
}
