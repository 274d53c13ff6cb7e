package deltachat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"

	"dc_bridge/internal/bridge/network"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method string
	Params []json.RawMessage
}

// fakeServer 内存中的 RPC 服务端
type fakeServer struct {
	mu      sync.Mutex
	calls   []rpcCall
	results map[string]any
	errs    map[string]string
}

func (s *fakeServer) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	var params []json.RawMessage
	if req.Params != nil {
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rpcCall{Method: req.Method, Params: params})
	if msg, ok := s.errs[req.Method]; ok {
		return nil, &jsonrpc2.Error{Code: -1, Message: msg}
	}
	return s.results[req.Method], nil
}

func (s *fakeServer) last(t *testing.T, method string) rpcCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Method == method {
			return s.calls[i]
		}
	}
	t.Fatalf("method %s was not called", method)
	return rpcCall{}
}

func (s *fakeServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c.Method)
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clientSide, serverSide := net.Pipe()

	server := &fakeServer{results: map[string]any{}, errs: map[string]string{}}
	serverConn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(serverSide, jsonrpc2.PlainObjectCodec{}), jsonrpc2.HandlerWithError(server.handle))
	client := NewClient(ctx, clientSide)

	t.Cleanup(func() {
		_ = client.Close()
		_ = serverConn.Close()
		cancel()
	})
	return client, server
}

func decodeParam(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestSendMessage(t *testing.T) {
	client, server := newTestClient(t)
	server.results["send_msg"] = 77

	id, err := client.SendMessage(context.Background(), 1, 12, network.OutgoingMessage{
		Text:               "hello",
		OverrideSenderName: "News",
		QuotedMessageID:    5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)

	call := server.last(t, "send_msg")
	require.Len(t, call.Params, 3)

	var accountID, chatID int64
	decodeParam(t, call.Params[0], &accountID)
	decodeParam(t, call.Params[1], &chatID)
	assert.Equal(t, int64(1), accountID)
	assert.Equal(t, int64(12), chatID)

	var data map[string]any
	decodeParam(t, call.Params[2], &data)
	assert.Equal(t, "hello", data["text"])
	assert.Equal(t, "News", data["overrideSenderName"])
	assert.EqualValues(t, 5, data["quotedMessageId"])
	assert.NotContains(t, data, "file")
}

func TestCallErrorIsWrapped(t *testing.T) {
	client, server := newTestClient(t)
	server.errs["create_broadcast"] = "boom"

	_, err := client.CreateBroadcast(context.Background(), 1, "News")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to call create_broadcast")

	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "boom", rpcErr.Message)
}

func TestChatQueries(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()
	server.results["get_basic_chat_info"] = map[string]any{"id": 12, "name": "News"}
	server.results["get_message"] = map[string]any{"id": 9, "chatId": 12, "fromId": 42, "text": "/list", "isInfo": false}
	server.results["get_chat_contacts"] = []int64{1, 42}
	server.results["get_existing_msg_ids"] = []int64{3}
	server.results["get_chat_securejoin_qr_code"] = "OPENPGP4FPR:abc"
	server.results["get_message_info"] = "sent"

	info, err := client.GetBasicChatInfo(ctx, 1, 12)
	require.NoError(t, err)
	assert.Equal(t, &network.ChatInfo{ID: 12, Name: "News"}, info)

	msg, err := client.GetMessage(ctx, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, &network.DestMessage{ID: 9, ChatID: 12, FromID: 42, Text: "/list"}, msg)

	contacts, err := client.GetChatContacts(ctx, 1, 12)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, contacts)

	existing, err := client.GetExistingMessageIDs(ctx, 1, []int64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, existing)

	qr, err := client.GetInviteQR(ctx, 1, 12)
	require.NoError(t, err)
	assert.Equal(t, "OPENPGP4FPR:abc", qr)

	infoText, err := client.GetMessageInfo(ctx, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, "sent", infoText)
}

func TestGetExistingMessageIDsSkipsEmpty(t *testing.T) {
	client, server := newTestClient(t)

	existing, err := client.GetExistingMessageIDs(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
	assert.Empty(t, server.methods())
}

func TestChatMutations(t *testing.T) {
	client, server := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetChatName(ctx, 1, 12, "Renamed"))
	require.NoError(t, client.SetChatAvatar(ctx, 1, 12, "/tmp/a.jpg"))
	require.NoError(t, client.SetChatVisibility(ctx, 1, 12, network.VisibilityNormal))
	require.NoError(t, client.ResendMessages(ctx, 1, []int64{4, 5}))
	require.NoError(t, client.AcceptChat(ctx, 1, 12))
	require.NoError(t, client.MarkNoticed(ctx, 1, 12))

	assert.Equal(t, []string{
		"set_chat_name",
		"set_chat_profile_image",
		"set_chat_visibility",
		"resend_messages",
		"accept_chat",
		"marknoticed_chat",
	}, server.methods())

	var ids []int64
	decodeParam(t, server.last(t, "resend_messages").Params[1], &ids)
	assert.Equal(t, []int64{4, 5}, ids)

	var visibility string
	decodeParam(t, server.last(t, "set_chat_visibility").Params[2], &visibility)
	assert.Equal(t, "Normal", visibility)
}

func TestNextEvent(t *testing.T) {
	tests := []struct {
		name   string
		result map[string]any
		want   *network.Event
	}{
		{
			name: "incoming message",
			result: map[string]any{
				"contextId": 1,
				"event":     map[string]any{"kind": "IncomingMsg", "chatId": 12, "msgId": 34},
			},
			want: &network.Event{AccountID: 1, Kind: network.EventIncomingMsg, ChatID: 12, MsgID: 34},
		},
		{
			name: "securejoin progress",
			result: map[string]any{
				"contextId": 2,
				"event":     map[string]any{"kind": "SecurejoinInviterProgress", "chatId": 12, "contactId": 10, "progress": 1000},
			},
			want: &network.Event{AccountID: 2, Kind: network.EventSecureJoinProgress, ChatID: 12, ContactID: 10, Progress: network.SecureJoinComplete},
		},
		{
			name: "warning text",
			result: map[string]any{
				"contextId": 1,
				"event":     map[string]any{"kind": "Warning", "msg": "slow network"},
			},
			want: &network.Event{AccountID: 1, Kind: network.EventWarning, Comment: "slow network"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(t)
			server.results["get_next_event"] = tt.result

			event, err := client.NextEvent(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, event)
		})
	}
}

func TestNextEventAfterClose(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.Close())

	_, err := client.NextEvent(context.Background())
	require.Error(t, err)
}
