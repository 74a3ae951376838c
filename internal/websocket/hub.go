package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xt4cs/EphemeralMail/internal/domain"
)

// OwnershipChecker 校验身份对地址的读权限。
type OwnershipChecker interface {
	VerifyOwnership(address, sessionID, fingerprint string) (bool, error)
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeNewMail     MessageType = "new_mail"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Address   string          `json:"address,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addresses   map[string]bool // 订阅的邮箱地址
	mu          sync.RWMutex
	sessionID   string
	fingerprint string
}

// Hub 管理所有WebSocket连接
//
// 客户端按邮箱地址订阅；订阅前校验会话/指纹归属，
// 新邮件落库后按地址推送给所有订阅者。
type Hub struct {
	clients        map[string]*Client
	addresses      map[string]map[string]*Client // address -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	done           chan struct{}
	mu             sync.RWMutex
	log            *zap.Logger
	ownership      OwnershipChecker
	allowedOrigins []string
}

type broadcastMessage struct {
	address string
	message *Message
}

// NewHub 创建WebSocket Hub
func NewHub(allowedOrigins []string, ownership OwnershipChecker, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		addresses:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		done:           make(chan struct{}),
		log:            log,
		ownership:      ownership,
		allowedOrigins: allowedOrigins,
	}
}

// Run 启动Hub，阻塞直到 ctx 取消。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			// 先关 done：停机后迟到的注册/注销不再等待事件循环
			close(h.done)
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastToAddress(msg.address, msg.message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// NotifyNewMail 向订阅了该地址的所有客户端推送新邮件。
func (h *Hub) NotifyNewMail(address string, message *domain.Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Warn("failed to marshal mail notification", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{
		address: address,
		message: &Message{
			Type:      MessageTypeNewMail,
			Address:   address,
			Data:      data,
			Timestamp: time.Now().UTC(),
		},
	}:
	default:
		// 广播队列满时丢弃通知，客户端下次轮询仍能拿到邮件
		h.log.Warn("notification dropped, broadcast queue full", zap.String("address", address))
	}
}

// HandleConnection 把 HTTP 请求升级为 WebSocket 连接。
//
// sessionID 与 fingerprint 来自已解析的请求身份，订阅时用于归属校验。
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID, fingerprint string) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, 64),
		hub:         h,
		addresses:   make(map[string]bool),
		sessionID:   sessionID,
		fingerprint: fingerprint,
	}
	if !h.registerClient(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// registerClient 把客户端交给事件循环；Hub 已停机时返回 false。
func (h *Hub) registerClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// unregisterClient 请求注销；Hub 已停机时直接返回，连接由停机流程关闭。
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	for _, origin := range h.allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	requestOrigin := r.Header.Get("Origin")
	if requestOrigin == "" {
		return true
	}
	for _, origin := range h.allowedOrigins {
		if requestOrigin == origin {
			return true
		}
	}
	return false
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	client.mu.RLock()
	for address := range client.addresses {
		if clients, exists := h.addresses[address]; exists {
			delete(clients, client.ID)
			if len(clients) == 0 {
				delete(h.addresses, address)
			}
		}
	}
	client.mu.RUnlock()
	delete(h.clients, client.ID)
	close(client.send)
	h.log.Debug("client unregistered", zap.String("id", client.ID))
}

func (h *Hub) broadcastToAddress(address string, message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.addresses[address] {
		select {
		case client.send <- data:
		default:
			// 发送缓冲满的客户端跳过，不阻塞广播
		}
	}
}

func (h *Hub) pingAllClients() {
	ping, _ := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- ping:
		default:
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
	}
	h.clients = make(map[string]*Client)
	h.addresses = make(map[string]map[string]*Client)
}

// subscribe 订阅地址，归属校验失败时回发错误消息。
func (h *Hub) subscribe(client *Client, address string) {
	ok, err := h.ownership.VerifyOwnership(address, client.sessionID, client.fingerprint)
	if err != nil || !ok {
		client.sendMessage(&Message{
			Type:      MessageTypeError,
			Address:   address,
			Error:     "not authorized for this address",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	client.mu.Lock()
	client.addresses[address] = true
	client.mu.Unlock()

	h.mu.Lock()
	if h.addresses[address] == nil {
		h.addresses[address] = make(map[string]*Client)
	}
	h.addresses[address][client.ID] = client
	h.mu.Unlock()

	client.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Address:   address,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) unsubscribe(client *Client, address string) {
	client.mu.Lock()
	delete(client.addresses, address)
	client.mu.Unlock()

	h.mu.Lock()
	if clients, exists := h.addresses[address]; exists {
		delete(clients, client.ID)
		if len(clients) == 0 {
			delete(h.addresses, address)
		}
	}
	h.mu.Unlock()
}

func (c *Client) sendMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump 读取客户端消息，处理订阅指令。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MessageTypeSubscribe:
			if msg.Address != "" {
				c.hub.subscribe(c, msg.Address)
			}
		case MessageTypeUnsubscribe:
			if msg.Address != "" {
				c.hub.unsubscribe(c, msg.Address)
			}
		case MessageTypePong, MessageTypePing:
			// 心跳，无需处理
		}
	}
}

// writePump 把待发送消息写入连接。
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
