// Package deltachat 基于 deltachat-rpc-server 的目标网络适配器
package deltachat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"dc_bridge/internal/bridge/network"
	"dc_bridge/internal/logger"

	"github.com/sourcegraph/jsonrpc2"
)

// Client Delta Chat JSON-RPC 客户端，实现 network.Destination
type Client struct {
	conn    *jsonrpc2.Conn
	process *process
}

var _ network.Destination = (*Client)(nil)

// nopHandler 服务端不会主动发起请求
type nopHandler struct{}

func (nopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

// NewClient 在已建立的双向流上创建客户端
func NewClient(ctx context.Context, rwc io.ReadWriteCloser) *Client {
	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.PlainObjectCodec{})
	return &Client{conn: jsonrpc2.NewConn(ctx, stream, nopHandler{})}
}

// Close 关闭连接并结束 RPC 进程
func (c *Client) Close() error {
	err := c.conn.Close()
	if errors.Is(err, jsonrpc2.ErrClosed) {
		err = nil
	}
	if c.process != nil {
		if perr := c.process.stop(); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// call 调用 RPC 方法，参数按位置传递
func (c *Client) call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	if err := c.conn.Call(ctx, method, params, result); err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	return nil
}

// messageData send_msg 的消息参数
type messageData struct {
	Text               string `json:"text,omitempty"`
	File               string `json:"file,omitempty"`
	OverrideSenderName string `json:"overrideSenderName,omitempty"`
	QuotedMessageID    int64  `json:"quotedMessageId,omitempty"`
}

// basicChat get_basic_chat_info 结果
type basicChat struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// message get_message 结果
type message struct {
	ID     int64  `json:"id"`
	ChatID int64  `json:"chatId"`
	FromID int64  `json:"fromId"`
	Text   string `json:"text"`
	IsInfo bool   `json:"isInfo"`
}

// eventEnvelope get_next_event 结果
type eventEnvelope struct {
	ContextID int64 `json:"contextId"`
	Event     struct {
		Kind      string `json:"kind"`
		ChatID    int64  `json:"chatId"`
		MsgID     int64  `json:"msgId"`
		ContactID int64  `json:"contactId"`
		Progress  int    `json:"progress"`
		Msg       string `json:"msg"`
		Comment   string `json:"comment"`
	} `json:"event"`
}

func (e *eventEnvelope) toEvent() *network.Event {
	comment := e.Event.Msg
	if comment == "" {
		comment = e.Event.Comment
	}
	return &network.Event{
		AccountID: e.ContextID,
		Kind:      e.Event.Kind,
		ChatID:    e.Event.ChatID,
		MsgID:     e.Event.MsgID,
		ContactID: e.Event.ContactID,
		Progress:  e.Event.Progress,
		Comment:   comment,
	}
}

func (c *Client) CreateBroadcast(ctx context.Context, accountID int64, name string) (int64, error) {
	var chatID int64
	if err := c.call(ctx, "create_broadcast", &chatID, accountID, name); err != nil {
		return 0, err
	}
	return chatID, nil
}

func (c *Client) GetBasicChatInfo(ctx context.Context, accountID, chatID int64) (*network.ChatInfo, error) {
	var chat basicChat
	if err := c.call(ctx, "get_basic_chat_info", &chat, accountID, chatID); err != nil {
		return nil, err
	}
	return &network.ChatInfo{ID: chat.ID, Name: chat.Name}, nil
}

func (c *Client) SetChatName(ctx context.Context, accountID, chatID int64, name string) error {
	return c.call(ctx, "set_chat_name", nil, accountID, chatID, name)
}

func (c *Client) SetChatAvatar(ctx context.Context, accountID, chatID int64, path string) error {
	return c.call(ctx, "set_chat_profile_image", nil, accountID, chatID, path)
}

func (c *Client) SetChatVisibility(ctx context.Context, accountID, chatID int64, visibility string) error {
	return c.call(ctx, "set_chat_visibility", nil, accountID, chatID, visibility)
}

func (c *Client) SendMessage(ctx context.Context, accountID, chatID int64, msg network.OutgoingMessage) (int64, error) {
	data := messageData{
		Text:               msg.Text,
		File:               msg.File,
		OverrideSenderName: msg.OverrideSenderName,
		QuotedMessageID:    msg.QuotedMessageID,
	}
	var msgID int64
	if err := c.call(ctx, "send_msg", &msgID, accountID, chatID, data); err != nil {
		return 0, err
	}
	return msgID, nil
}

func (c *Client) ResendMessages(ctx context.Context, accountID int64, msgIDs []int64) error {
	return c.call(ctx, "resend_messages", nil, accountID, msgIDs)
}

func (c *Client) AcceptChat(ctx context.Context, accountID, chatID int64) error {
	return c.call(ctx, "accept_chat", nil, accountID, chatID)
}

func (c *Client) MarkNoticed(ctx context.Context, accountID, chatID int64) error {
	return c.call(ctx, "marknoticed_chat", nil, accountID, chatID)
}

func (c *Client) GetMessage(ctx context.Context, accountID, msgID int64) (*network.DestMessage, error) {
	var msg message
	if err := c.call(ctx, "get_message", &msg, accountID, msgID); err != nil {
		return nil, err
	}
	return &network.DestMessage{
		ID:     msg.ID,
		ChatID: msg.ChatID,
		FromID: msg.FromID,
		Text:   msg.Text,
		IsInfo: msg.IsInfo,
	}, nil
}

func (c *Client) GetMessageInfo(ctx context.Context, accountID, msgID int64) (string, error) {
	var info string
	if err := c.call(ctx, "get_message_info", &info, accountID, msgID); err != nil {
		return "", err
	}
	return info, nil
}

func (c *Client) GetExistingMessageIDs(ctx context.Context, accountID int64, msgIDs []int64) ([]int64, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	var existing []int64
	if err := c.call(ctx, "get_existing_msg_ids", &existing, accountID, msgIDs); err != nil {
		return nil, err
	}
	return existing, nil
}

func (c *Client) GetChatContacts(ctx context.Context, accountID, chatID int64) ([]int64, error) {
	var contacts []int64
	if err := c.call(ctx, "get_chat_contacts", &contacts, accountID, chatID); err != nil {
		return nil, err
	}
	return contacts, nil
}

func (c *Client) GetInviteQR(ctx context.Context, accountID, chatID int64) (string, error) {
	var qr string
	if err := c.call(ctx, "get_chat_securejoin_qr_code", &qr, accountID, chatID); err != nil {
		return "", err
	}
	return qr, nil
}

// NextEvent 阻塞等待下一个事件
func (c *Client) NextEvent(ctx context.Context) (*network.Event, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "get_next_event", &raw); err != nil {
		return nil, err
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	event := envelope.toEvent()
	logger.L().Debugf("Delta Chat event: account=%d, kind=%s, chat_id=%d, msg_id=%d", event.AccountID, event.Kind, event.ChatID, event.MsgID)
	return event, nil
}
