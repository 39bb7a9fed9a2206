// Package fanout 实现同进程内的本地扇出通道：一个轻量的发布/订阅总线，
// 用于在同一进程内的订阅者之间传播"房间有变化"的提示。
// 提示只是建议性的——接收方必须重新从 RoomStore 读取权威状态，
// 不能信任广播体中除消息类型和房间码之外的任何内容。
// 该通道不参与远端后端的正确性路径，仅用于缩短本地订阅者之间的感知延迟。
package fanout

import (
	"sync"

	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
)

// 广播消息类型，与浏览器端历史上使用的提示名保持一致。
const (
	TypeRoomCreated   = "ROOM_CREATED"
	TypePlayerJoined  = "PLAYER_JOINED"
	TypePlayerLeft    = "PLAYER_LEFT"
	TypeScoreUpdate   = "SCORE_UPDATE"
	TypeGameStarted   = "GAME_STARTED"
	TypeGameEnded     = "GAME_ENDED"
	TypeGameFinalized = "GAME_FINALIZED"
	TypeRoomUpdated   = "ROOM_UPDATED"
	TypeRoomDeleted   = "ROOM_DELETED"
)

// Message 是一条带类型和时间戳的广播提示。
type Message struct {
	Type      string `json:"type"`
	RoomCode  string `json:"roomCode"`
	GameID    string `json:"gameId,omitempty"`
	PlayerID  string `json:"playerId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Listener 接收广播消息的回调。回调在独立的 goroutine 中被调用，
// 不允许阻塞太久，但即使阻塞也不会影响其他订阅者。
type Listener func(msg Message)

// Channel 是进程内的扇出通道。零值不可用，必须通过 NewChannel 创建。
type Channel struct {
	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// NewChannel 创建一个空的扇出通道。
func NewChannel() *Channel {
	return &Channel{
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe 注册一个监听回调，返回用于注销的函数。
// 返回的注销函数可以安全地多次调用。
func (c *Channel) Subscribe(fn Listener) func() {
	if fn == nil {
		panic("fanout: listener cannot be nil")
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Broadcast 将一条提示分发给当前所有订阅者。
// 分发是异步的：每个订阅者在自己的 goroutine 中收到消息，
// 单个慢订阅者不会拖慢广播方或其他订阅者。
func (c *Channel) Broadcast(msgType, roomCode string) {
	c.broadcast(Message{Type: msgType, RoomCode: roomCode, Timestamp: domain.NowMillis()})
}

// BroadcastMessage 与 Broadcast 类似，但允许附带游戏/玩家标识。
func (c *Channel) BroadcastMessage(msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = domain.NowMillis()
	}
	c.broadcast(msg)
}

func (c *Channel) broadcast(msg Message) {
	c.mu.RLock()
	// 复制接收者列表，避免回调期间长时间持锁
	targets := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		targets = append(targets, fn)
	}
	c.mu.RUnlock()

	if len(targets) == 0 {
		return
	}
	logrus.WithFields(logrus.Fields{
		"type":      msg.Type,
		"room_code": msg.RoomCode,
		"listeners": len(targets),
	}).Debug("Fanout: broadcasting hint")

	for _, fn := range targets {
		go fn(msg)
	}
}

// Len 返回当前订阅者数量，主要供测试使用。
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}
