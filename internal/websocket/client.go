package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// inbound 客户端发来的消息
type inbound struct {
	Type    MessageType `json:"type"`
	Mailbox string      `json:"mailbox"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	log       *zap.Logger
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// ID 连接标识
func (c *Client) ID() string {
	return c.id
}

// Send 非阻塞地把消息放入发送缓冲
func (c *Client) Send(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close 关闭发送缓冲，writePump 随后发送关闭帧并断开
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}
			return false
		},
	}
}

// HandleWebSocket 处理WebSocket连接
//
// 连接无需认证，客户端通过 join/leave 消息订阅邮箱。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		id := uuid.NewString()
		client := &Client{
			id:   id,
			conn: conn,
			send: make(chan []byte, sendBufferSize),
			hub:  hub,
			log:  hub.log.With(zap.String("clientID", id)),
		}

		hub.Register(client)

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", zap.Error(err))
			}
			return
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *inbound) {
	switch msg.Type {
	case MessageTypeJoin:
		name, err := c.hub.Join(c.id, msg.Mailbox)
		if err != nil {
			c.sendFrame(Frame{Type: MessageTypeError, Error: err.Error()})
			return
		}
		c.log.Debug("joined mailbox", zap.String("mailbox", name))
		c.sendFrame(Frame{Type: MessageTypeJoined, Mailbox: name})

	case MessageTypeLeave:
		name, err := c.hub.Leave(c.id, msg.Mailbox)
		if err != nil {
			c.sendFrame(Frame{Type: MessageTypeError, Error: err.Error()})
			return
		}
		c.log.Debug("left mailbox", zap.String("mailbox", name))
		c.sendFrame(Frame{Type: MessageTypeLeft, Mailbox: name})

	case MessageTypePing:
		c.sendFrame(Frame{Type: MessageTypePong})

	default:
		c.log.Debug("unknown message type", zap.String("type", string(msg.Type)))
		c.sendFrame(Frame{Type: MessageTypeError, Error: "unknown message type"})
	}
}

// sendFrame 编码并发送一条消息
func (c *Client) sendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}
	if !c.Send(data) {
		c.log.Warn("client channel blocked")
	}
}
