package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"throwbox/backend/internal/domain"
)

// MailboxStore 邮箱存储接口（订阅鉴权用）
type MailboxStore interface {
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
}

// JWTClaims 外围认证服务签发的用户令牌声明
type JWTClaims struct {
	UserID string `json:"sub"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// EventNewEmail 新邮件事件名
const EventNewEmail = "email:new"

// MessageType 定义 WebSocket 消息类型
type MessageType string

const (
	MessageTypeEvent       MessageType = "event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"
)

// Message 定义 WebSocket 消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Event     string          `json:"event,omitempty"`
	MailboxID string          `json:"mailboxId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEmailData 新邮件事件载荷。
// 只携带元数据和明文预览，正文密文绝不经过这个通道。
type NewEmailData struct {
	ID             string `json:"id"`
	MailboxID      string `json:"mailboxId"`
	From           string `json:"from"`
	FromName       string `json:"fromName,omitempty"`
	Subject        string `json:"subject"`
	Preview        string `json:"preview,omitempty"`
	HasAttachments bool   `json:"hasAttachments"`
	IsRead         bool   `json:"isRead"`
	CreatedAt      string `json:"createdAt"`
}

// Client 代表一个 WebSocket 客户端连接
type Client struct {
	ID         string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	mailboxIDs map[string]bool // 已订阅的邮箱
	mu         sync.RWMutex
	log        *zap.Logger

	// 认证信息：二选一
	UserID    string // 用户 ID（JWT 认证）
	MailboxID string // 邮箱 ID（邮箱令牌认证）
	IsMailbox bool
}

// Hub 管理所有 WebSocket 连接，按邮箱维度做订阅分发。
type Hub struct {
	clients        map[string]*Client            // clientID -> Client
	mailboxes      map[string]map[string]*Client // mailboxID -> clientID -> Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan *broadcastMessage
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	jwtSecret      string
	store          MailboxStore
}

type broadcastMessage struct {
	mailboxID string
	message   *Message
}

// NewHub 创建 WebSocket Hub
func NewHub(allowedOrigins []string, jwtSecret string, store MailboxStore, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	return &Hub{
		clients:        make(map[string]*Client),
		mailboxes:      make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		log:            log,
		allowedOrigins: allowedOrigins,
		jwtSecret:      jwtSecret,
		store:          store,
	}
}

// Run 启动 Hub 主循环，阻塞直到 ctx 取消。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Info("client registered", zap.String("id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for mailboxID := range client.mailboxIDs {
					if clients, exists := h.mailboxes[mailboxID]; exists {
						delete(clients, client.ID)
						if len(clients) == 0 {
							delete(h.mailboxes, mailboxID)
						}
					}
				}
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Info("client unregistered", zap.String("id", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.broadcastToMailbox(msg.mailboxID, msg.message)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// ClientCount 当前连接数（供监控）
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyNewEmail 向订阅了该邮箱的客户端推送 email:new 事件。
// 广播通道已满时直接丢弃：实时通知是尽力而为的，客户端轮询兜底。
func (h *Hub) NotifyNewEmail(mailboxID string, message *domain.Message) {
	payload := NewEmailData{
		ID:             message.ID,
		MailboxID:      mailboxID,
		From:           message.FromAddress,
		FromName:       message.FromName,
		Subject:        message.Subject,
		Preview:        message.BodyPreview,
		HasAttachments: message.HasAttachment,
		IsRead:         message.IsRead,
		CreatedAt:      message.CreatedAt.Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("failed to marshal new email event", zap.Error(err))
		return
	}

	msg := &Message{
		Type:      MessageTypeEvent,
		Event:     EventNewEmail,
		MailboxID: mailboxID,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- &broadcastMessage{mailboxID: mailboxID, message: msg}:
	default:
		h.log.Warn("broadcast channel full, dropping notification",
			zap.String("mailboxID", mailboxID))
	}
}

// broadcastToMailbox 向订阅特定邮箱的客户端广播消息
func (h *Hub) broadcastToMailbox(mailboxID string, msg *Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.mailboxes[mailboxID]))
	for _, client := range h.mailboxes[mailboxID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	msg := &Message{
		Type:      MessageTypePing,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
	h.mailboxes = make(map[string]map[string]*Client)
}

// authenticateClient 认证客户端。
// 支持两种凭证：外围服务签发的用户 JWT，或单个邮箱的访问令牌。
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
	}

	if token == "" {
		return nil, errors.New("missing authentication token")
	}

	// 尝试 JWT 认证
	if userID, err := h.validateJWT(token); err == nil {
		return &Client{
			ID:         uuid.NewString(),
			UserID:     userID,
			mailboxIDs: make(map[string]bool),
			log:        h.log,
		}, nil
	}

	// 尝试邮箱令牌认证（需要同时提供 mailboxId）
	if mailboxID, err := h.validateMailboxToken(c.Request.Context(), token, c.Query("mailboxId")); err == nil {
		return &Client{
			ID:         uuid.NewString(),
			MailboxID:  mailboxID,
			IsMailbox:  true,
			mailboxIDs: make(map[string]bool),
			log:        h.log,
		}, nil
	}

	return nil, errors.New("invalid authentication token")
}

// validateJWT 验证用户 JWT
func (h *Hub) validateJWT(tokenString string) (string, error) {
	if h.jwtSecret == "" {
		return "", errors.New("jwt authentication disabled")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims.UserID, nil
	}

	return "", errors.New("invalid token claims")
}

// validateMailboxToken 验证邮箱访问令牌（常量时间比较）
func (h *Hub) validateMailboxToken(ctx context.Context, token, mailboxID string) (string, error) {
	if mailboxID == "" {
		return "", errors.New("invalid mailbox token")
	}

	mailbox, err := h.store.GetMailbox(ctx, mailboxID)
	if err != nil || mailbox.Token == "" {
		return "", errors.New("invalid mailbox token")
	}

	if subtle.ConstantTimeCompare([]byte(mailbox.Token), []byte(token)) != 1 {
		return "", errors.New("invalid mailbox token")
	}

	return mailbox.ID, nil
}

// canSubscribe 判断客户端是否有权订阅邮箱。
// 邮箱令牌只能订阅自己的邮箱；JWT 用户只能订阅归属自己的邮箱。
func (h *Hub) canSubscribe(ctx context.Context, client *Client, mailboxID string) bool {
	if client.IsMailbox {
		return client.MailboxID == mailboxID
	}

	mailbox, err := h.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		return false
	}
	return mailbox.UserID != nil && *mailbox.UserID == client.UserID
}

// HandleWebSocket 处理 WebSocket 升级请求
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// upgraderFactory 创建带 Origin 验证的升级器
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
				// 没有 Origin 头按同源处理
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

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribeMailbox(msg.MailboxID)
	case MessageTypeUnsubscribe:
		c.unsubscribeMailbox(msg.MailboxID)
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribeMailbox 订阅邮箱
func (c *Client) subscribeMailbox(mailboxID string) {
	if mailboxID == "" {
		c.sendError("mailbox ID is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !c.hub.canSubscribe(ctx, c, mailboxID) {
		c.log.Warn("subscription denied: no permission",
			zap.String("clientID", c.ID),
			zap.String("mailboxID", mailboxID))
		c.sendError(fmt.Sprintf("no permission to access mailbox: %s", mailboxID))
		return
	}

	c.mu.Lock()
	c.mailboxIDs[mailboxID] = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	if c.hub.mailboxes[mailboxID] == nil {
		c.hub.mailboxes[mailboxID] = make(map[string]*Client)
	}
	c.hub.mailboxes[mailboxID][c.ID] = c
	c.hub.mu.Unlock()

	c.log.Info("subscribed to mailbox",
		zap.String("clientID", c.ID),
		zap.String("mailboxID", mailboxID))

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		MailboxID: mailboxID,
		Timestamp: time.Now(),
	})
}

// unsubscribeMailbox 取消订阅邮箱
func (c *Client) unsubscribeMailbox(mailboxID string) {
	c.mu.Lock()
	delete(c.mailboxIDs, mailboxID)
	c.mu.Unlock()

	c.hub.mu.Lock()
	if clients, exists := c.hub.mailboxes[mailboxID]; exists {
		delete(clients, c.ID)
		if len(clients) == 0 {
			delete(c.hub.mailboxes, mailboxID)
		}
	}
	c.hub.mu.Unlock()

	c.log.Info("unsubscribed from mailbox",
		zap.String("clientID", c.ID),
		zap.String("mailboxID", mailboxID))
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
