package domain

import "time"

// GameState 表示房间当前所处的阶段。
type GameState string

const (
	// GameStateLobby 房间处于大厅，等待主持人选择游戏
	GameStateLobby GameState = "lobby"
	// GameStatePlaying 房间内有一局游戏正在进行
	GameStatePlaying GameState = "playing"
)

// RoomExpiry 房间过期窗口：lastActivity 超过该时长的房间视为已过期。
const RoomExpiry = time.Hour

// CodeLength 房间码固定长度（大写字母 + 数字）。
const CodeLength = 6

// Room 表示一个共享的多人游戏房间。
// 时间戳统一使用毫秒 (Unix ms)，与浏览器客户端交换的 JSON 保持一致。
type Room struct {
	Code          string    `json:"code"`                    // 6 位房间码，创建后不可变
	Host          string    `json:"host"`                    // 当前主持人的玩家 ID，必须始终指向 players 中的成员
	Players       []Player  `json:"players"`                 // 有序玩家列表，按 ID 唯一
	CurrentGame   string    `json:"currentGame,omitempty"`   // 正在进行的游戏 ID；仅在 playing 状态下非空
	GameState     GameState `json:"gameState"`               // lobby / playing
	CreatedAt     int64     `json:"createdAt"`               // 创建时间 (ms)
	LastActivity  int64     `json:"lastActivity"`            // 最后一次变更或心跳时间 (ms)，驱动过期
	GameStartTime int64     `json:"gameStartTime,omitempty"` // 本局开始时间 (ms)，仅用于诊断
	Version       uint64    `json:"version"`                 // 乐观并发版本号，每次写入递增
}

// NowMillis 返回当前的毫秒时间戳。
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Touch 更新房间的最后活跃时间。
func (r *Room) Touch(now int64) {
	r.LastActivity = now
}

// Expired 判断房间在给定时刻是否已超过过期窗口。
func (r *Room) Expired(now int64) bool {
	return now-r.LastActivity > RoomExpiry.Milliseconds()
}

// FindPlayer 按 ID 查找玩家，返回指向 Players 切片内元素的指针；未找到返回 nil。
func (r *Room) FindPlayer(playerID string) *Player {
	for i := range r.Players {
		if r.Players[i].ID == playerID {
			return &r.Players[i]
		}
	}
	return nil
}

// UpsertPlayer 按 ID 更新已有玩家，否则追加到列表末尾。
func (r *Room) UpsertPlayer(p Player) {
	for i := range r.Players {
		if r.Players[i].ID == p.ID {
			r.Players[i] = p
			return
		}
	}
	r.Players = append(r.Players, p)
}

// RemovePlayer 按 ID 移除玩家，返回是否确实移除了成员。
// 主持人重新指派由调用方（生命周期管理）负责。
func (r *Room) RemovePlayer(playerID string) bool {
	for i := range r.Players {
		if r.Players[i].ID == playerID {
			r.Players = append(r.Players[:i], r.Players[i+1:]...)
			return true
		}
	}
	return false
}

// IsHost 判断给定玩家是否为当前主持人。
func (r *Room) IsHost(playerID string) bool {
	return r.Host == playerID
}
