package live

import (
	"encoding/json"
	"sync"
	"time"

	"Encore/logger"
	"Encore/metrics"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // 必须小于 pongWait
	maxMessageSize = 1024                // creators only send pings
	sendBuffer     = 64
)

// MessageType 消息类型
type MessageType string

const (
	MsgTypeHello MessageType = "hello" // 连接建立后的首条消息
	MsgTypePing  MessageType = "ping"
	MsgTypePong  MessageType = "pong"
	MsgTypeEvent MessageType = "event"
)

// Message is the envelope written to creator sockets.
type Message struct {
	Type      MessageType `json:"type"`
	ArtistID  int64       `json:"artistId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Client is one creator dashboard connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	ArtistID int64
	UserID   int64
}

type publication struct {
	artistID int64
	payload  []byte
}

// Hub fans events out to the dashboards of one artist.
type Hub struct {
	artists map[int64]map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan publication
	done       chan struct{}
	stopOnce   sync.Once
}

// NewHub 创建 Hub，调用方需要另起 goroutine 执行 Run
func NewHub() *Hub {
	return &Hub{
		artists:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan publication, 256),
		done:       make(chan struct{}),
	}
}

// Run 启动 Hub 主循环，直到 Stop
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case p := <-h.broadcast:
			h.deliver(p)
		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop closes every connection and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.artists[c.ArtistID] == nil {
		h.artists[c.ArtistID] = make(map[*Client]struct{})
	}
	h.artists[c.ArtistID][c] = struct{}{}
	metrics.LiveClients(1)

	logger.Info("[Live] 创作者看板已连接",
		logger.Int64("artistId", c.ArtistID),
		logger.Int64("userId", c.UserID))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked 需要持有 h.mu
func (h *Hub) removeLocked(c *Client) {
	clients, ok := h.artists[c.ArtistID]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.artists, c.ArtistID)
	}
	metrics.LiveClients(-1)

	logger.Info("[Live] 创作者看板已断开",
		logger.Int64("artistId", c.ArtistID),
		logger.Int64("userId", c.UserID))
}

func (h *Hub) deliver(p publication) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.artists[p.artistID] {
		select {
		case c.send <- p.payload:
		default:
			// 发送缓冲区满，断开慢客户端
			logger.Warn("[Live] 客户端消费过慢，断开连接",
				logger.Int64("artistId", c.ArtistID),
				logger.Int64("userId", c.UserID))
			h.removeLocked(c)
		}
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.artists {
		for c := range clients {
			close(c.send)
			metrics.LiveClients(-1)
		}
	}
	h.artists = make(map[int64]map[*Client]struct{})
}

// Publish queues event for every dashboard of artistID. It never blocks: when
// the queue is full the event is dropped.
func (h *Hub) Publish(artistID int64, event interface{}) {
	payload, err := json.Marshal(&Message{
		Type:      MsgTypeEvent,
		ArtistID:  artistID,
		Data:      event,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("[Live] 事件序列化失败", logger.ErrorField(err))
		return
	}

	select {
	case h.broadcast <- publication{artistID: artistID, payload: payload}:
	case <-h.done:
	default:
		logger.Warn("[Live] 广播队列已满，丢弃事件", logger.Int64("artistId", artistID))
	}
}

// ClientCount returns the number of open dashboards for artistID.
func (h *Hub) ClientCount(artistID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.artists[artistID])
}

// Attach registers conn for artistID and starts its pumps. hello, if not nil,
// is the first message the client receives.
func (h *Hub) Attach(conn *websocket.Conn, artistID, userID int64, hello interface{}) *Client {
	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		ArtistID: artistID,
		UserID:   userID,
	}
	if hello != nil {
		if data, err := json.Marshal(&Message{Type: MsgTypeHello, ArtistID: artistID, Data: hello, Timestamp: time.Now().UnixMilli()}); err == nil {
			c.send <- data
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return c
	}

	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("[Live] websocket read error",
					logger.ErrorField(err),
					logger.Int64("artistId", c.ArtistID))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		// 应用层心跳
		if msg.Type == MsgTypePing {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			if data, err := json.Marshal(&Message{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()}); err == nil {
				c.trySend(data)
			}
		}
	}
}

// trySend 在 Hub 已关闭 send 时不会 panic
func (c *Client) trySend(data []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.artists[c.ArtistID][c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
