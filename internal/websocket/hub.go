package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dropmail/backend/internal/domain"
	"dropmail/backend/internal/monitoring"
)

var (
	// ErrUnknownSubscriber 订阅者未注册
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrInvalidChannel 频道名不是合法的邮箱名
	ErrInvalidChannel = errors.New("invalid channel")
)

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewEmail MessageType = "newEmail"
	MessageTypeJoin     MessageType = "join"
	MessageTypeLeave    MessageType = "leave"
	MessageTypeJoined   MessageType = "joined"
	MessageTypeLeft     MessageType = "left"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
	MessageTypeError    MessageType = "error"
)

// Frame 服务端发送的消息
type Frame struct {
	Type    MessageType `json:"type"`
	Mailbox string      `json:"mailbox,omitempty"`
	Data    any         `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Subscriber 可接收推送的连接
type Subscriber interface {
	ID() string
	// Send 非阻塞投递，缓冲区已满时返回 false
	Send(frame []byte) bool
	// Close 释放连接，可重复调用
	Close()
}

// Hub 订阅注册表：连接 ID 与频道（邮箱名）之间的多对多关系
//
// 所有操作在一把读写锁下完成；发布时先复制订阅者快照再发送，
// 发送本身是非阻塞的。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber          // connID -> subscriber
	channels    map[string]map[string]struct{} // channel -> connIDs
	memberships map[string]map[string]struct{} // connID -> channels

	log            *zap.Logger
	metrics        *monitoring.Metrics
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
func NewHub(allowedOrigins []string, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		subscribers:    make(map[string]Subscriber),
		channels:       make(map[string]map[string]struct{}),
		memberships:    make(map[string]map[string]struct{}),
		log:            log,
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
	}
}

// Register 注册订阅者
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	h.metrics.UpdateWebsocketClients(count)
	h.log.Debug("client registered", zap.String("id", sub.ID()))
}

// Unregister 注销订阅者并退出其加入的全部频道
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	for channel := range h.memberships[id] {
		h.removeMember(channel, id)
	}
	delete(h.memberships, id)
	delete(h.subscribers, id)
	count := len(h.subscribers)
	h.mu.Unlock()

	sub.Close()
	h.metrics.UpdateWebsocketClients(count)
	h.log.Debug("client unregistered", zap.String("id", id))
}

// Join 让连接加入频道，重复加入无副作用
//
// 返回值:
//   - string: 规范化后的频道名
func (h *Hub) Join(id, channel string) (string, error) {
	name, err := domain.NormalizeMailboxName(channel)
	if err != nil {
		return "", ErrInvalidChannel
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[id]; !ok {
		return "", ErrUnknownSubscriber
	}
	if h.channels[name] == nil {
		h.channels[name] = make(map[string]struct{})
	}
	h.channels[name][id] = struct{}{}
	if h.memberships[id] == nil {
		h.memberships[id] = make(map[string]struct{})
	}
	h.memberships[id][name] = struct{}{}
	return name, nil
}

// Leave 让连接退出频道，未加入时无副作用
func (h *Hub) Leave(id, channel string) (string, error) {
	name, err := domain.NormalizeMailboxName(channel)
	if err != nil {
		return "", ErrInvalidChannel
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeMember(name, id)
	if m := h.memberships[id]; m != nil {
		delete(m, name)
		if len(m) == 0 {
			delete(h.memberships, id)
		}
	}
	return name, nil
}

// removeMember 调用方需持有写锁
func (h *Hub) removeMember(channel, id string) {
	members, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

// Publish 向频道内的所有连接推送新邮件事件
//
// 频道为空时什么也不做；缓冲区已满的连接会丢弃本条消息。
func (h *Hub) Publish(ctx context.Context, channel string, event domain.NewEmailEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := domain.NormalizeMailboxName(channel)
	if err != nil {
		return ErrInvalidChannel
	}

	h.mu.RLock()
	members := h.channels[name]
	targets := make([]Subscriber, 0, len(members))
	for id := range members {
		if sub, ok := h.subscribers[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	data, err := json.Marshal(Frame{Type: MessageTypeNewEmail, Mailbox: name, Data: event})
	if err != nil {
		return err
	}

	for _, sub := range targets {
		if !sub.Send(data) {
			h.log.Warn("client channel blocked, dropping frame",
				zap.String("clientID", sub.ID()),
				zap.String("mailbox", name),
			)
		}
	}
	return nil
}

// Members 返回频道内的连接数
func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Clients 返回已注册的连接数
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Run 定期上报连接数，ctx 取消后关闭全部连接
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return nil
		case <-ticker.C:
			h.metrics.UpdateWebsocketClients(h.Clients())
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[string]Subscriber)
	h.channels = make(map[string]map[string]struct{})
	h.memberships = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	h.metrics.UpdateWebsocketClients(0)
}
