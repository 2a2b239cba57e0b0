package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType 消息类型
type MessageType string

const (
	PredictionMessage MessageType = "prediction"
	TrueValueMessage  MessageType = "true_value"
	SubscribedMessage MessageType = "subscribed"
	Heartbeat         MessageType = "heartbeat"
)

// Message 推送给客户端的消息；Data 为编码后的监控事件
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ModelID   string          `json:"model_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id"`
}

// ClientMessage 客户端消息
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe, ping
	Topic string `json:"topic"`
}

// wsClient WebSocket客户端
type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.Mutex
	subscriptions map[string]bool // 订阅的模型ID，为空表示全部
}

func (c *wsClient) wants(modelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || modelID == "" || c.subscriptions[modelID]
}

type broadcast struct {
	modelID string
	data    []byte
}

// Hub 实时预测推送中心
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan broadcast
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub 创建推送中心
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan broadcast, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 运行推送循环，直到 Stop
func (h *Hub) Start() {
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.String("client_id", client.clientID), zap.Int("total", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.String("client_id", client.clientID), zap.Int("total", n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.modelID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// 慢客户端直接断开
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop 停止推送中心
func (h *Hub) Stop() {
	h.cancel()
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		clientID:      uuid.NewString(),
		subscriptions: make(map[string]bool),
	}
	for _, id := range r.URL.Query()["model_id"] {
		client.subscriptions[id] = true
	}

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump(h.log)
	go client.readPump(h)
}

// Publish 广播一个已编码的监控事件
func (h *Hub) Publish(typ MessageType, modelID string, payload []byte) {
	data, err := json.Marshal(Message{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		ModelID:   modelID,
		Data:      payload,
		ID:        uuid.NewString(),
	})
	if err != nil {
		h.log.Error("marshal websocket message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- broadcast{modelID: modelID, data: data}:
	default:
		h.log.Warn("websocket broadcast queue is full, dropping message", zap.String("model_id", modelID))
	}
}

// writePump WebSocket写入泵
func (c *wsClient) writePump(log *zap.Logger) {
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
				log.Debug("websocket write error", zap.String("client_id", c.clientID), zap.Error(err))
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
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.String("client_id", c.clientID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("bad client message", zap.String("client_id", c.clientID), zap.Error(err))
			continue
		}
		c.handleClientMessage(h, msg)
	}
}

// handleClientMessage 处理订阅请求，并回复确认
func (c *wsClient) handleClientMessage(h *Hub, msg ClientMessage) {
	c.mu.Lock()
	switch msg.Type {
	case "subscribe":
		c.subscriptions[msg.Topic] = true
	case "unsubscribe":
		delete(c.subscriptions, msg.Topic)
	case "ping":
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	typ := SubscribedMessage
	if msg.Type == "ping" {
		typ = Heartbeat
	}
	ack, err := json.Marshal(Message{Type: typ, Timestamp: time.Now().UTC(), ModelID: msg.Topic, ID: uuid.NewString()})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- ack:
	default:
	}
}
