package tasks

import (
	"encoding/json"
)

// 定义任务类型常量
const (
	TypeRoomSweep = "room:sweep" // 过期房间清扫任务类型
)

// RoomSweepPayload 定义了清扫任务的数据结构。
// 周期任务不针对单个房间，payload 只携带开关。
type RoomSweepPayload struct {
	// EvictStalePlayers 为 true 时，清扫除了删除过期房间，
	// 还会把心跳长期停滞的玩家从未过期房间中移出
	EvictStalePlayers bool `json:"evict_stale_players"`
}

// NewRoomSweepTask 创建一个新的清扫任务 payload
func NewRoomSweepTask(evictStalePlayers bool) ([]byte, error) {
	payload := RoomSweepPayload{EvictStalePlayers: evictStalePlayers}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return payloadBytes, nil
}
