// Package broadcast 维护用户实时连接注册表并做节流推送。
package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"rideguard/internal/models"
)

// ThrottleInterval 单用户例行消息的最小发送间隔
const ThrottleInterval = 100 * time.Millisecond

// Conn 实时输出连接（*websocket.Conn 满足此接口）
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Client 注册表中的一条连接
type Client struct {
	userID string
	conn   Conn

	// gorilla 的连接不支持并发写，发送按连接串行
	writeMu sync.Mutex
}

// Hub 按用户分组的实时连接注册表。
// risk_status 类消息按用户节流，报警类消息不节流；
// 发送失败的连接被摘除，不影响该用户的其他连接。
type Hub struct {
	mu       sync.Mutex
	conns    map[string]map[*Client]struct{} // user_id -> connections
	lastSent map[string]time.Time            // user_id -> 最近一次例行消息发送
	logger   *zap.Logger
	now      func() time.Time
}

// NewHub 创建注册表
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]map[*Client]struct{}),
		lastSent: make(map[string]time.Time),
		logger:   logger,
		now:      time.Now,
	}
}

// Register 注册一条用户连接
func (h *Hub) Register(userID string, conn Conn) *Client {
	c := &Client{userID: userID, conn: conn}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*Client]struct{})
	}
	h.conns[userID][c] = struct{}{}

	h.logger.Debug("Connection registered",
		zap.String("user_id", userID),
		zap.Int("connections", len(h.conns[userID])),
	)
	return c
}

// Unregister 注销一条连接
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// ConnectionCount 用户当前连接数
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

// PushToUser 向用户的全部连接推送一条消息。
// 例行消息（risk_status）在 ThrottleInterval 内重复推送会被丢弃；
// 报警类消息永不节流。发送相对消费循环异步，不回写任何消费者状态。
func (h *Hub) PushToUser(userID string, msg models.BroadcastMessage) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		clients = append(clients, c)
	}

	if len(clients) == 0 {
		h.mu.Unlock()
		return
	}

	if msg.Type == models.BroadcastTypeRiskStatus {
		if last, ok := h.lastSent[userID]; ok && h.now().Sub(last) < ThrottleInterval {
			h.mu.Unlock()
			return
		}
		h.lastSent[userID] = h.now()
	}
	h.mu.Unlock()

	for _, c := range clients {
		go h.send(c, msg)
	}
}

// send 发送给单条连接；失败即摘除该连接（自愈）
func (h *Hub) send(c *Client, msg models.BroadcastMessage) {
	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()

	if err != nil {
		h.logger.Warn("Failed to push message, pruning connection",
			zap.String("user_id", c.userID),
			zap.String("message_type", msg.Type),
			zap.Error(err),
		)
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}
}

func (h *Hub) removeLocked(c *Client) {
	set, ok := h.conns[c.userID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.userID)
		delete(h.lastSent, c.userID)
	}
}
