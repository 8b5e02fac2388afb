package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"docquery/machine"
)

// MessageType 消息类型
type MessageType string

const (
	TrainingEvent MessageType = "training"
	SystemStatus  MessageType = "system_status"
	Heartbeat     MessageType = "heartbeat"
)

// Message 监控消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
}

type outbound struct {
	kind    MessageType
	payload []byte
}

// Client WebSocket客户端
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu sync.Mutex
	// 订阅的消息类型; 为空时接收全部
	subscriptions map[MessageType]bool
}

func (c *Client) wants(kind MessageType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[kind]
}

// HubStats 统计
type HubStats struct {
	ConnectedClients int       `json:"connected_clients"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesDropped  int64     `json:"messages_dropped"`
	StartTime        time.Time `json:"start_time"`
}

// Hub WebSocket中心, 向订阅者广播训练事件
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *zap.Logger

	sent      atomic.Int64
	dropped   atomic.Int64
	startTime time.Time
	nextID    atomic.Int64
}

// NewHub 创建WebSocket中心
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:    logger.Named("ws"),
		startTime: time.Now(),
	}
}

// Run 运行WebSocket中心, 直到 ctx 结束
//
// Run must be called at most once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("client", client.clientID), zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client", client.clientID), zap.Int("total", n))

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-heartbeat.C:
			_ = h.Publish(Heartbeat, map[string]string{"status": "alive"})

		case <-ctx.Done():
			// 关闭所有连接
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("websocket hub stopped")
			return
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msg.kind) {
			continue
		}
		select {
		case client.send <- msg.payload:
			h.sent.Add(1)
		default:
			// 客户端过慢, 断开
			close(client.send)
			delete(h.clients, client)
			h.dropped.Add(1)
		}
	}
}

// HandleWebSocket 处理WebSocket连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:          conn,
		send:          make(chan []byte, 256),
		clientID:      fmt.Sprintf("client_%d", h.nextID.Add(1)),
		subscriptions: make(map[MessageType]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump(h.logger)
	go client.readPump(h)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.HandleWebSocket(w, r) }

// Publish 广播消息; 队列满时丢弃
func (h *Hub) Publish(kind MessageType, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", kind, err)
	}
	payload, err := json.Marshal(Message{
		Type:      kind,
		Timestamp: time.Now(),
		Data:      body,
		ID:        fmt.Sprintf("msg_%d", h.nextID.Add(1)),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case h.broadcast <- outbound{kind: kind, payload: payload}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue is full, dropping message", zap.String("type", string(kind)))
	}
	return nil
}

// TrainingStep 广播训练事件
func (h *Hub) TrainingStep(e machine.Event) {
	if err := h.Publish(TrainingEvent, e); err != nil {
		h.logger.Warn("publish training event", zap.Error(err))
	}
}

// Stats 获取统计
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return HubStats{
		ConnectedClients: n,
		MessagesSent:     h.sent.Load(),
		MessagesDropped:  h.dropped.Load(),
		StartTime:        h.startTime,
	}
}

// writePump WebSocket写入泵
func (c *Client) writePump(logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Debug("websocket write error", zap.String("client", c.clientID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump WebSocket读取泵
func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("bad client message", zap.String("client", c.clientID), zap.Error(err))
			continue
		}
		c.handleClientMessage(msg)
	}
}

// handleClientMessage 处理客户端消息
func (c *Client) handleClientMessage(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[MessageType(msg.Topic)] = true
	case "unsubscribe":
		delete(c.subscriptions, MessageType(msg.Topic))
	}
}

// ClientMessage 客户端消息
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe
	Topic string `json:"topic"`
}

var _ machine.Observer = (*Hub)(nil)
