package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/service"
	"arcade-multiplayer/internal/tasks"
)

// stalePlayerAfter 心跳停滞多久后玩家可被清扫移出（仅在开启驱逐时生效）。
// 心跳间隔 5 秒，留足余量避免误杀短暂掉线的玩家。
const stalePlayerAfter = 2 * time.Minute

// ExpiredRoomLister 是清扫任务对存储层的最小依赖。
type ExpiredRoomLister interface {
	ListExpired(ctx context.Context) ([]domain.Room, error)
	Delete(ctx context.Context, code string) error
}

// RoomSweepHandler 处理周期性的房间清扫任务：
// 删除整体过期的房间文档。读路径本身会过滤过期房间，
// 清扫只是把已经对外不可见的残留文档真正清掉。
type RoomSweepHandler struct {
	store       ExpiredRoomLister
	roomService *service.RoomService // 驱逐玩家时复用离开房间的语义
}

// NewRoomSweepHandler 创建 Handler 实例
func NewRoomSweepHandler(store ExpiredRoomLister, roomService *service.RoomService) *RoomSweepHandler {
	if store == nil {
		panic("ExpiredRoomLister cannot be nil for RoomSweepHandler")
	}
	if roomService == nil {
		panic("RoomService cannot be nil for RoomSweepHandler")
	}
	return &RoomSweepHandler{store: store, roomService: roomService}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithField("task_type", t.Type())
	logCtx.Info("Processing room sweep task...")

	var payload tasks.RoomSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Sweep: invalid task payload")
		return err
	}

	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	expired, err := h.store.ListExpired(sweepCtx)
	if err != nil {
		logCtx.WithError(err).Error("Sweep: failed to list expired rooms")
		return err
	}

	deleted := 0
	for _, room := range expired {
		if err := h.store.Delete(sweepCtx, room.Code); err != nil {
			// 记录但继续：单个房间失败不该让整轮清扫重试
			logCtx.WithField("room_code", room.Code).WithError(err).Warn("Sweep: failed to delete expired room")
			continue
		}
		deleted++
	}

	evicted := 0
	if payload.EvictStalePlayers {
		evicted = h.evictStalePlayers(sweepCtx, logCtx)
	}

	logCtx.WithFields(logrus.Fields{
		"expired_deleted": deleted,
		"players_evicted": evicted,
	}).Info("Room sweep task completed")
	return nil
}

// evictStalePlayers 把心跳长期停滞的玩家从活跃房间中移出。
// 复用 LeaveRoom 的语义：空房删除、主持人顺延、本地扇出提示。
func (h *RoomSweepHandler) evictStalePlayers(ctx context.Context, logCtx *logrus.Entry) int {
	rooms, err := h.roomService.GetActiveRooms(ctx)
	if err != nil {
		logCtx.WithError(err).Warn("Sweep: failed to list active rooms for eviction")
		return 0
	}

	cutoff := domain.NowMillis() - stalePlayerAfter.Milliseconds()
	evicted := 0
	for _, room := range rooms {
		for _, p := range room.Players {
			if p.LastActivity > 0 && p.LastActivity < cutoff {
				logCtx.WithFields(logrus.Fields{
					"room_code": room.Code,
					"player_id": p.ID,
				}).Info("Sweep: evicting stale player")
				h.roomService.LeaveRoom(ctx, room.Code, p.ID)
				evicted++
			}
		}
	}
	return evicted
}
