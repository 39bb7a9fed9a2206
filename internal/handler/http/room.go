package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/service"
)

// RoomHandler 封装了与房间生命周期相关的 HTTP 处理逻辑。
// 大厅 UI 通过这些端点创建/加入/离开房间、开局和拉取房间列表。
type RoomHandler struct {
	roomService *service.RoomService
	// 用于拼接可分享房间链接的站点地址，例如 https://arcade.example.com/
	publicBaseURL string
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, publicBaseURL string) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, publicBaseURL: publicBaseURL}
}

// roomLink 拼接形如 <base>?room=<CODE> 的可分享链接。
func (h *RoomHandler) roomLink(code string) string {
	if h.publicBaseURL == "" {
		return ""
	}
	return h.publicBaseURL + "?room=" + code
}

// CreateRoomRequest 定义创建房间请求的结构体
type CreateRoomRequest struct {
	Name   string `json:"name" binding:"required"`
	Avatar string `json:"avatar" binding:"required"`
}

// RoomResponse 定义携带房间状态的响应结构体
type RoomResponse struct {
	Message string         `json:"message,omitempty"`
	Room    *domain.Room   `json:"room"`
	Player  *domain.Player `json:"player,omitempty"`
	Link    string         `json:"link,omitempty"`
}

// CreateRoom 处理创建新房间的请求：校验昵称和头像，
// 生成玩家与房间，玩家即为主持人。
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: name and avatar are required"})
		return
	}

	player, err := h.roomService.CreatePlayer(req.Name, req.Avatar)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logCtx := logrus.WithField("player_id", player.ID)

	room, err := h.roomService.CreateRoom(c.Request.Context(), player)
	if err != nil {
		logCtx.WithError(err).Error("Handler.CreateRoom: Failed to create room via service")
		if errors.Is(err, service.ErrBackendUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to create room, try again"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		}
		return
	}

	logCtx.WithField("room_code", room.Code).Info("Handler.CreateRoom: Room created successfully")
	c.JSON(http.StatusOK, RoomResponse{
		Message: "Room created successfully",
		Room:    room,
		Player:  &player,
		Link:    h.roomLink(room.Code),
	})
}

// JoinRoomRequest 定义加入房间请求的结构体
type JoinRoomRequest struct {
	Code   string `json:"code" binding:"required"`
	Name   string `json:"name" binding:"required"`
	Avatar string `json:"avatar" binding:"required"`
}

// JoinRoom 处理玩家通过房间码加入房间的请求。
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: code, name and avatar are required"})
		return
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if len(code) != domain.CodeLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room code must be 6 characters"})
		return
	}

	player, err := h.roomService.CreatePlayer(req.Name, req.Avatar)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "player_id": player.ID})

	room, err := h.roomService.JoinRoom(c.Request.Context(), code, player)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Failed to join room via service")
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		} else if errors.Is(err, service.ErrBackendUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to join room, try again"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join room due to server error"})
		}
		return
	}

	logCtx.Info("Handler.JoinRoom: Player joined room successfully")
	c.JSON(http.StatusOK, RoomResponse{
		Message: "Joined room successfully",
		Room:    room,
		Player:  &player,
		Link:    h.roomLink(room.Code),
	})
}

// GetRoom 返回单个房间的当前状态。
func (h *RoomHandler) GetRoom(c *gin.Context) {
	code := strings.ToUpper(c.Param("code"))
	room, err := h.roomService.GetRoom(c.Request.Context(), code)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, RoomResponse{Room: room})
}

// ListRooms 返回所有活跃房间，供大厅发现。
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.GetActiveRooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// LeaveRoomRequest 定义离开房间请求的结构体
type LeaveRoomRequest struct {
	PlayerID string `json:"player_id" binding:"required"`
}

// LeaveRoom 处理玩家离开房间的请求。
// 房间已不存在时同样返回成功——离开是幂等的。
func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	var req LeaveRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: player_id is required"})
		return
	}
	code := strings.ToUpper(c.Param("code"))
	h.roomService.LeaveRoom(c.Request.Context(), code, req.PlayerID)
	c.JSON(http.StatusOK, gin.H{"message": "Left room"})
}

// StartGameRequest 定义开始游戏请求的结构体
type StartGameRequest struct {
	GameID string `json:"game_id" binding:"required"`
}

// StartGame 处理主持人选择游戏并开局的请求。
func (h *RoomHandler) StartGame(c *gin.Context) {
	var req StartGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input: game_id is required"})
		return
	}
	code := strings.ToUpper(c.Param("code"))
	if err := h.roomService.StartGame(c.Request.Context(), code, req.GameID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown game id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Game started"})
}

// EndGame 处理一局结束、房间回到大厅的请求。
func (h *RoomHandler) EndGame(c *gin.Context) {
	code := strings.ToUpper(c.Param("code"))
	h.roomService.EndGame(c.Request.Context(), code)
	c.JSON(http.StatusOK, gin.H{"message": "Game ended"})
}

// FinalizeScores 处理一局结束后的分数结算请求。
func (h *RoomHandler) FinalizeScores(c *gin.Context) {
	code := strings.ToUpper(c.Param("code"))
	h.roomService.FinalizeGameScores(c.Request.Context(), code)
	c.JSON(http.StatusOK, gin.H{"message": "Scores finalized"})
}

// UpdateRoomStateRequest 定义部分更新房间状态的请求结构体。
// 省略的字段保持不变；典型用法是回到大厅：{"game_state":"lobby"}。
type UpdateRoomStateRequest struct {
	GameState   *string `json:"game_state"`
	CurrentGame *string `json:"current_game"`
}

// UpdateRoomState 处理部分更新房间状态的请求。
func (h *RoomHandler) UpdateRoomState(c *gin.Context) {
	var req UpdateRoomStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	updates := service.RoomStateUpdate{CurrentGame: req.CurrentGame}
	if req.GameState != nil {
		state := domain.GameState(*req.GameState)
		if state != domain.GameStateLobby && state != domain.GameStatePlaying {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid game_state"})
			return
		}
		updates.GameState = &state
	}

	code := strings.ToUpper(c.Param("code"))
	h.roomService.UpdateRoomState(c.Request.Context(), code, updates)
	c.JSON(http.StatusOK, gin.H{"message": "Room updated"})
}
