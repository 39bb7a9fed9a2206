package repository

import (
	"context"

	"arcade-multiplayer/internal/domain"
)

// RoomStore 定义了房间记录的存取操作。
// 运行时只会装配一个实现：远端 (Redis) 或本地 (单机文件)，
// 由 bootstrap 在启动时一次性选定，上层代码不感知后端差异。
type RoomStore interface {
	// Get 按房间码读取房间。
	// 房间不存在（或远端视角下已过期被删除）时返回 ErrRoomNotFound。
	Get(ctx context.Context, code string) (*domain.Room, error)

	// Set 写入整个房间文档。
	// room.Version 必须比存储中的当前版本恰好大 1（新房间为 1），
	// 否则返回 ErrVersionConflict，调用方应重读后重试。
	Set(ctx context.Context, room *domain.Room) error

	// Delete 删除房间。房间不存在时静默成功。
	Delete(ctx context.Context, code string) error

	// ListAll 返回所有未过期的房间。
	// 本地后端在返回前会顺带清除过期条目；远端后端仅在读取时过滤，
	// 过期文档的实际清理交给后台 sweep 任务。
	ListAll(ctx context.Context) ([]domain.Room, error)
}

// RoomFeed 是"订阅房间变更"的抽象能力，由后端按自身特性实现：
// Redis 后端通过 pub/sub 推送，本地后端通过固定间隔轮询。
// 消费方 (Synchronizer) 不感知具体实现。
type RoomFeed interface {
	// Subscribe 订阅指定房间的变更，每次观察到新状态时通过返回的通道送出。
	// 房间消失时送出 RoomEvent{Gone: true}。
	// 返回的 stop 函数必须在任何退出路径上调用，用于释放底层的
	// pub/sub 连接或轮询定时器。
	Subscribe(ctx context.Context, code string) (<-chan RoomEvent, func(), error)
}

// RoomEvent 是 RoomFeed 送出的一次观察结果。
type RoomEvent struct {
	Room *domain.Room // 观察到的完整房间状态；Gone 为 true 时为 nil
	Gone bool         // 房间已被删除或过期
}
