package websocket

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/hub"
	"arcade-multiplayer/internal/service"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	hub         *hub.Hub
	roomService *service.RoomService // 连接前验证房间存在
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(hub *hub.Hub, roomService *service.RoomService) *WebSocketHandler {
	if hub == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if roomService == nil {
		panic("RoomService cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 允许所有来源连接 (生产环境应配置具体的允许来源)
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		hub:         hub,
		roomService: roomService,
	}
}

// HandleConnection 处理 WebSocket 连接请求
// URL 预期格式: /ws/room/{code}?player={playerID}
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	code := strings.ToUpper(c.Param("code"))
	playerID := c.Query("player")
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "player_id": playerID})

	if playerID == "" {
		logCtx.Warn("WS Handler: Missing player query parameter")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter 'player' is required"})
		return // 此时还未升级到 WebSocket，可以返回 HTTP 错误
	}

	// 验证房间是否存在（玩家本身可能还没出现在名单里——
	// 加入和连接之间存在复制窗口，因此只校验房间）
	if _, err := h.roomService.GetRoom(c.Request.Context(), code); err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			logCtx.Warn("WS Handler: Room not found")
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		} else {
			logCtx.WithError(err).Error("WS Handler: Error checking room existence")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to validate room"})
		}
		return
	}
	logCtx.Debug("WS Handler: Room validated")

	// 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 方法会自动发送 HTTP 错误响应，所以这里只需要记录日志
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	client := hub.NewClient(h.hub, conn, code, playerID)

	registerMsg := hub.HubMessage{Type: "register", Client: client}
	if !h.hub.QueueMessage(registerMsg) {
		// Hub 的通道满了，注册失败
		logCtx.Error("WS Handler: Hub message channel full, failed to register client")
		client.CloseConn()
		return
	}

	client.Run()
	logCtx.Info("WS Handler: Client registered and pumps started")
}
