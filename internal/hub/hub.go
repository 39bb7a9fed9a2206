package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/roomsync"
	"arcade-multiplayer/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 包内使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type    string  // "register", "unregister", "client_message"
	Client  *Client // 消息关联的客户端
	RawData []byte  // 仅用于 client_message（原始 WebSocket 消息）
}

// clientMessage 是浏览器端发来的消息体。
type clientMessage struct {
	Type  string `json:"type"` // "score" | "heartbeat" | "leave"
	Score int    `json:"score,omitempty"`
	Game  string `json:"game,omitempty"`
}

// serverMessage 是推给浏览器端的消息体。
type serverMessage struct {
	Type     string       `json:"type"` // "room" | "room_gone" | "error"
	Room     *domain.Room `json:"room,omitempty"`
	RoomCode string       `json:"roomCode,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// roomEntry 维护一个房间的客户端集合和共享的同步器订阅。
// 订阅在房间的第一个客户端注册时建立，最后一个客户端注销时释放。
type roomEntry struct {
	clients map[*Client]bool
	sub     *roomsync.Subscription
}

// Hub 维护活跃的 WebSocket 客户端集合：按房间组织客户端、
// 为每个有客户端的房间持有一份同步器订阅，并把观察到的每次
// 房间变更推给该房间的所有客户端。
type Hub struct {
	// 内部通道，处理所有来自 Client 的事件
	messageChan chan HubMessage

	rooms   map[string]*roomEntry
	roomsMu sync.RWMutex

	roomService  *service.RoomService
	synchronizer *roomsync.Synchronizer
	scores       *service.ScoreReporter
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(roomService *service.RoomService, synchronizer *roomsync.Synchronizer, scores *service.ScoreReporter) *Hub {
	if roomService == nil {
		panic("RoomService cannot be nil for Hub")
	}
	if synchronizer == nil {
		panic("Synchronizer cannot be nil for Hub")
	}
	if scores == nil {
		panic("ScoreReporter cannot be nil for Hub")
	}
	return &Hub{
		messageChan:  make(chan HubMessage, 512),
		rooms:        make(map[string]*roomEntry),
		roomService:  roomService,
		synchronizer: synchronizer,
		scores:       scores,
	}
}

// Run 启动 Hub 的主事件处理循环。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")

	for msg := range h.messageChan {
		switch msg.Type {
		case "register":
			h.registerClient(msg.Client)
		case "unregister":
			h.unregisterClient(msg.Client)
		case "client_message":
			// 客户端消息的处理不触碰 Hub 内部状态，放到单独的 goroutine，
			// 避免慢的存储写入阻塞主循环
			go h.handleClientMessage(msg)
		default:
			log.Warnf("Hub: Received unknown message type: %s", msg.Type)
		}
	}
	log.Info("Hub is shutting down...")
}

// registerClient 处理客户端注册逻辑
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	code := client.RoomCode()
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code": code,
		"player_id": client.PlayerID(),
		"client_id": client.ID(),
	})

	h.roomsMu.Lock()
	entry, ok := h.rooms[code]
	if !ok {
		entry = &roomEntry{clients: make(map[*Client]bool)}
		h.rooms[code] = entry
	}
	entry.clients[client] = true
	needSub := entry.sub == nil
	h.roomsMu.Unlock()
	logCtx.Info("Client registered to Hub")

	// 房间的第一个客户端：建立共享的同步器订阅
	if needSub {
		sub, err := h.synchronizer.Subscribe(code,
			func(room *domain.Room) { h.broadcastRoom(code, room) },
			func() { h.broadcastGone(code) },
		)
		if err != nil {
			logCtx.WithError(err).Error("Hub: failed to subscribe to room updates")
			h.sendTo(client, serverMessage{Type: "error", Message: "Failed to subscribe to room updates"})
		} else {
			h.roomsMu.Lock()
			// 注册和订阅建立之间房间条目可能已被并发注销清掉
			var subToStop *roomsync.Subscription
			if entry, ok := h.rooms[code]; ok && entry.sub == nil {
				entry.sub = sub
			} else {
				subToStop = sub
			}
			h.roomsMu.Unlock()
			// Stop 必须在锁外调用：投递回调持有订阅锁时会反过来
			// 申请 roomsMu 读锁，锁内 Stop 会和它互相等待
			if subToStop != nil {
				subToStop.Stop()
			}
		}
	}

	// 异步把当前权威状态推给新客户端，填平订阅建立前的空档
	go h.sendInitialRoom(client)
}

// unregisterClient 处理客户端注销逻辑
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	code := client.RoomCode()
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code": code,
		"player_id": client.PlayerID(),
		"client_id": client.ID(),
	})

	// 断开前把该玩家待写的分数落下去
	h.scores.FlushPlayer(code, client.PlayerID())

	h.roomsMu.Lock()
	var subToStop *roomsync.Subscription
	if entry, ok := h.rooms[code]; ok {
		if _, exists := entry.clients[client]; exists {
			delete(entry.clients, client)
			client.closeSend()
			logCtx.Info("Client unregistered from Hub")
		}
		// 房间没有客户端了：释放同步器订阅
		if len(entry.clients) == 0 {
			subToStop = entry.sub
			delete(h.rooms, code)
			logCtx.Info("No clients left for room, releasing subscription")
		}
	} else {
		logCtx.Warn("Room not found during client unregister")
	}
	h.roomsMu.Unlock()

	if subToStop != nil {
		subToStop.Stop()
	}
}

// sendInitialRoom 读取权威状态并推给刚连上的客户端。
func (h *Hub) sendInitialRoom(client *Client) {
	if client == nil {
		return
	}
	room, err := h.roomService.GetRoom(context.Background(), client.RoomCode())
	if err != nil {
		h.sendTo(client, serverMessage{Type: "room_gone", RoomCode: client.RoomCode()})
		return
	}
	h.sendTo(client, serverMessage{Type: "room", Room: room})
}

// handleClientMessage 处理浏览器端发来的消息。
func (h *Hub) handleClientMessage(msg HubMessage) {
	client := msg.Client
	if client == nil {
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{
		"room_code": client.RoomCode(),
		"player_id": client.PlayerID(),
	})

	var cm clientMessage
	if err := json.Unmarshal(msg.RawData, &cm); err != nil {
		logCtx.WithError(err).Warn("Hub: unparsable client message")
		return
	}

	switch cm.Type {
	case "score":
		// 游戏上报的是最新绝对分数；防抖合并后落库
		h.scores.Report(client.RoomCode(), client.PlayerID(), cm.Score, cm.Game)
	case "heartbeat":
		h.roomService.UpdatePlayerActivity(context.Background(), client.RoomCode(), client.PlayerID())
	case "leave":
		h.roomService.LeaveRoom(context.Background(), client.RoomCode(), client.PlayerID())
	default:
		logCtx.Warnf("Hub: unknown client message type: %s", cm.Type)
	}
}

// broadcastRoom 把最新房间状态推给该房间的所有客户端。
func (h *Hub) broadcastRoom(code string, room *domain.Room) {
	payload, err := json.Marshal(serverMessage{Type: "room", Room: room})
	if err != nil {
		logrus.WithField("room_code", code).WithError(err).Error("Hub: failed to marshal room update")
		return
	}
	h.broadcast(code, payload)
}

// broadcastGone 通知该房间的所有客户端房间已消失。
func (h *Hub) broadcastGone(code string) {
	payload, err := json.Marshal(serverMessage{Type: "room_gone", RoomCode: code})
	if err != nil {
		return
	}
	h.broadcast(code, payload)
}

// broadcast 将消息发送给指定房间的所有客户端。
func (h *Hub) broadcast(code string, message []byte) {
	h.roomsMu.RLock()
	entry, ok := h.rooms[code]
	// 复制接收者列表，避免发送期间长时间持锁
	var targets []*Client
	if ok {
		targets = make([]*Client, 0, len(entry.clients))
		for client := range entry.clients {
			targets = append(targets, client)
		}
	}
	h.roomsMu.RUnlock()

	for _, client := range targets {
		if !client.trySend(message) {
			// 客户端发送队列已满或已关闭：跳过，让它的 WritePump/清理逻辑处理后续
			logrus.WithFields(logrus.Fields{
				"room_code": code,
				"player_id": client.PlayerID(),
			}).Warn("Client not accepting messages during broadcast, skipping this client")
		}
	}
}

// sendTo 向单个客户端发送一条消息（非阻塞）。
func (h *Hub) sendTo(client *Client, msg serverMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !client.trySend(payload) {
		logrus.WithField("player_id", client.PlayerID()).Warn("Client not accepting messages, message dropped")
	}
}

// QueueMessage 将消息放入 Hub 的处理队列（非阻塞）。
// 这是 Client 向 Hub 发送消息的安全方式。
// 返回 true 如果消息成功入队，false 如果队列已满。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithField("message_type", msg.Type).Warn("Hub message channel full, dropping message")
		return false
	}
}

// ActiveRoomCodes 返回当前有客户端连接的房间码列表。
func (h *Hub) ActiveRoomCodes() []string {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	codes := make([]string, 0, len(h.rooms))
	for code := range h.rooms {
		codes = append(codes, code)
	}
	return codes
}

// StopAllSubscriptions 在关停时释放所有房间的同步器订阅。
// Stop 同样放到锁外调用，避免和正在进行的交付互锁。
func (h *Hub) StopAllSubscriptions() {
	h.roomsMu.Lock()
	var subsToStop []*roomsync.Subscription
	for code, entry := range h.rooms {
		if entry.sub != nil {
			subsToStop = append(subsToStop, entry.sub)
			entry.sub = nil
		}
		logrus.WithField("room_code", code).Debug("Hub: subscription stopped during shutdown")
	}
	h.roomsMu.Unlock()

	for _, sub := range subsToStop {
		sub.Stop()
	}
}
