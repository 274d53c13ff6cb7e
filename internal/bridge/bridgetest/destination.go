package bridgetest

import (
	"context"
	"fmt"
	"sync"

	"dc_bridge/internal/bridge/network"
)

// SentMessage Destination 收到的一次发送
type SentMessage struct {
	AccountID int64
	ChatID    int64
	ID        int64
	Message   network.OutgoingMessage
}

// Destination 内存 Delta Chat 替身
type Destination struct {
	mu        sync.Mutex
	nextChat  int64
	nextMsg   int64
	chats     map[int64]*network.ChatInfo
	existing  map[int64]bool
	messages  map[int64]*network.DestMessage
	contacts  map[int64][]int64
	sent      []SentMessage
	resent    [][]int64
	accepted  []int64
	noticed   []int64
	avatars   map[int64]string
	visible   map[int64]string
	events    chan *network.Event
	sendErrs  map[int64]error
	existsErr error
}

// NewDestination 创建 Destination 替身
func NewDestination() *Destination {
	return &Destination{
		nextChat: 100,
		nextMsg:  1000,
		chats:    make(map[int64]*network.ChatInfo),
		existing: make(map[int64]bool),
		messages: make(map[int64]*network.DestMessage),
		contacts: make(map[int64][]int64),
		avatars:  make(map[int64]string),
		visible:  make(map[int64]string),
		events:   make(chan *network.Event, 64),
		sendErrs: make(map[int64]error),
	}
}

// AddChat 预置会话
func (d *Destination) AddChat(chatID int64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats[chatID] = &network.ChatInfo{ID: chatID, Name: name}
}

// SetContacts 设置会话成员（可包含自身 ID 1）
func (d *Destination) SetContacts(chatID int64, contacts ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[chatID] = contacts
}

// SetSendError 设置某会话的发送失败
func (d *Destination) SetSendError(chatID int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.sendErrs, chatID)
		return
	}
	d.sendErrs[chatID] = err
}

// SetExistsError 设置存在性检查失败
func (d *Destination) SetExistsError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.existsErr = err
}

// DeleteMessage 模拟消息被带外删除
func (d *Destination) DeleteMessage(msgID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.existing, msgID)
}

// AddIncoming 预置一条收到的私聊消息并返回其 ID
func (d *Destination) AddIncoming(chatID, fromID int64, text string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextMsg++
	id := d.nextMsg
	d.messages[id] = &network.DestMessage{ID: id, ChatID: chatID, FromID: fromID, Text: text}
	d.existing[id] = true
	return id
}

// Emit 投递一个事件
func (d *Destination) Emit(event *network.Event) {
	d.events <- event
}

// Sent 已发送消息快照
func (d *Destination) Sent() []SentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SentMessage(nil), d.sent...)
}

// SentTo 指定会话的已发送消息
func (d *Destination) SentTo(chatID int64) []SentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []SentMessage
	for _, m := range d.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

// Resent 重发批次快照
func (d *Destination) Resent() [][]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]int64, len(d.resent))
	for i, batch := range d.resent {
		out[i] = append([]int64(nil), batch...)
	}
	return out
}

// Accepted 已接受的会话
func (d *Destination) Accepted() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.accepted...)
}

// Chat 会话信息
func (d *Destination) Chat(chatID int64) (*network.ChatInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.chats[chatID]
	if !ok {
		return nil, false
	}
	clone := *info
	return &clone, true
}

// Avatar 会话头像路径
func (d *Destination) Avatar(chatID int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avatars[chatID]
}

// Visibility 会话可见性
func (d *Destination) Visibility(chatID int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible[chatID]
}

func (d *Destination) CreateBroadcast(ctx context.Context, accountID int64, name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextChat++
	d.chats[d.nextChat] = &network.ChatInfo{ID: d.nextChat, Name: name}
	return d.nextChat, nil
}

func (d *Destination) GetBasicChatInfo(ctx context.Context, accountID, chatID int64) (*network.ChatInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %d not found", chatID)
	}
	clone := *info
	return &clone, nil
}

func (d *Destination) SetChatName(ctx context.Context, accountID, chatID int64, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %d not found", chatID)
	}
	info.Name = name
	return nil
}

func (d *Destination) SetChatAvatar(ctx context.Context, accountID, chatID int64, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.avatars[chatID] = path
	return nil
}

func (d *Destination) SetChatVisibility(ctx context.Context, accountID, chatID int64, visibility string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visible[chatID] = visibility
	return nil
}

func (d *Destination) SendMessage(ctx context.Context, accountID, chatID int64, msg network.OutgoingMessage) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.sendErrs[chatID]; err != nil {
		return 0, err
	}
	if q := msg.QuotedMessageID; q != 0 && !d.existing[q] {
		return 0, fmt.Errorf("quoted message %d not found", q)
	}
	d.nextMsg++
	id := d.nextMsg
	d.existing[id] = true
	d.sent = append(d.sent, SentMessage{AccountID: accountID, ChatID: chatID, ID: id, Message: msg})
	return id, nil
}

func (d *Destination) ResendMessages(ctx context.Context, accountID int64, msgIDs []int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resent = append(d.resent, append([]int64(nil), msgIDs...))
	return nil
}

func (d *Destination) AcceptChat(ctx context.Context, accountID, chatID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted = append(d.accepted, chatID)
	return nil
}

func (d *Destination) MarkNoticed(ctx context.Context, accountID, chatID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noticed = append(d.noticed, chatID)
	return nil
}

func (d *Destination) GetMessage(ctx context.Context, accountID, msgID int64) (*network.DestMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	msg, ok := d.messages[msgID]
	if !ok {
		return nil, fmt.Errorf("message %d not found", msgID)
	}
	clone := *msg
	return &clone, nil
}

func (d *Destination) GetMessageInfo(ctx context.Context, accountID, msgID int64) (string, error) {
	return fmt.Sprintf("message %d", msgID), nil
}

func (d *Destination) GetExistingMessageIDs(ctx context.Context, accountID int64, msgIDs []int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.existsErr != nil {
		return nil, d.existsErr
	}
	var out []int64
	for _, id := range msgIDs {
		if d.existing[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *Destination) GetChatContacts(ctx context.Context, accountID, chatID int64) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.contacts[chatID]...), nil
}

func (d *Destination) GetInviteQR(ctx context.Context, accountID, chatID int64) (string, error) {
	return fmt.Sprintf("https://i.delta.chat/#chat%d", chatID), nil
}

func (d *Destination) NextEvent(ctx context.Context) (*network.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case event := <-d.events:
		return event, nil
	}
}
