package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/presence"
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string // 连接级别的标识，与玩家 ID 无关
	roomCode string
	playerID string
	send     chan []byte // 用于向此客户端发送消息的缓冲通道

	// sendMu 保护 send 通道的关闭状态：注销发生在 Hub 主循环，
	// 而推送来自同步器回调等其他 goroutine，必须串行化，
	// 否则会往已关闭的通道发送
	sendMu     sync.Mutex
	sendClosed bool

	tracker *presence.Tracker // 此连接的心跳跟踪器
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, roomCode, playerID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		id:       uuid.NewString(),
		roomCode: roomCode,
		playerID: playerID,
		send:     make(chan []byte, 256),
	}
}

// trySend 非阻塞投递一条消息。通道已关闭或已满时丢弃并返回 false。
func (c *Client) trySend(message []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend 关闭 send 通道，幂等。之后的 trySend 全部丢弃。
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// ID 返回连接标识。
func (c *Client) ID() string { return c.id }

// RoomCode 返回客户端所在房间的房间码。
func (c *Client) RoomCode() string { return c.roomCode }

// PlayerID 返回客户端对应的玩家 ID。
func (c *Client) PlayerID() string { return c.playerID }

// Run 启动客户端的读写 goroutine 和服务端心跳跟踪器。
// 注意：断开连接不会把玩家移出房间（与浏览器端关掉标签页一致），
// 只会停掉心跳；名单清理交给显式的 leave 或房间过期。
func (c *Client) Run() {
	c.tracker = presence.Start(c.hub.roomService, c.roomCode, c.playerID, 0)
	go c.WritePump()
	go c.ReadPump()
}

// CloseConn 直接关闭底层连接（注册失败时使用）。
func (c *Client) CloseConn() {
	_ = c.conn.Close()
}

// ReadPump 将消息从 WebSocket 连接泵送到 Hub 的处理队列。
// 它在自己的 goroutine 中运行。
func (c *Client) ReadPump() {
	defer func() {
		if c.tracker != nil {
			c.tracker.Stop()
		}
		// 清理操作：请求 Hub 注销此客户端
		unregisterMsg := HubMessage{Type: "unregister", Client: c}
		select {
		case c.hub.messageChan <- unregisterMsg:
		case <-time.After(1 * time.Second):
			logrus.WithFields(logrus.Fields{"player_id": c.playerID, "room_code": c.roomCode}).Warn("Timeout sending unregister message to Hub channel")
		}
		c.conn.Close()
		logrus.WithFields(logrus.Fields{"player_id": c.playerID, "room_code": c.roomCode}).Info("ReadPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{"player_id": c.playerID, "room_code": c.roomCode}).WithError(err).Warn("Unexpected WebSocket close")
			}
			break
		}
		c.hub.QueueMessage(HubMessage{Type: "client_message", Client: c, RawData: message})
	}
}

// WritePump 将 send 通道中的消息写入 WebSocket 连接，并周期性发送 ping。
// 它在自己的 goroutine 中运行。
func (c *Client) WritePump() {
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
				// Hub 关闭了 send 通道
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
