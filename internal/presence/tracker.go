// Package presence 实现活跃度心跳：每个连接的客户端一个跟踪器，
// 按固定间隔为本地玩家刷新 lastActivity。这只是建议性的存活标记——
// 默认不会据此驱逐玩家，关掉页面的"幽灵"玩家会留在名单里，
// 直到房间被显式删除或整体过期（可选的驱逐见 worker 的 sweep 任务）。
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultHeartbeatInterval 心跳间隔。
const DefaultHeartbeatInterval = 5 * time.Second

// ActivityUpdater 是跟踪器对生命周期管理的最小依赖。
type ActivityUpdater interface {
	UpdatePlayerActivity(ctx context.Context, code, playerID string)
}

// Tracker 为单个玩家维护心跳定时器。
type Tracker struct {
	updater  ActivityUpdater
	code     string
	playerID string
	interval time.Duration

	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Start 创建并启动心跳跟踪器。interval <= 0 时使用默认的 5 秒。
// 返回的 Tracker 必须在连接结束时 Stop，否则定时器会一直存活。
func Start(updater ActivityUpdater, code, playerID string, interval time.Duration) *Tracker {
	if updater == nil {
		panic("ActivityUpdater cannot be nil for presence Tracker")
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		updater:  updater,
		code:     code,
		playerID: playerID,
		interval: interval,
		cancel:   cancel,
	}
	go t.run(ctx)
	return t
}

func (t *Tracker) run(ctx context.Context) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": t.code, "player_id": t.playerID})
	logCtx.Debug("Presence: heartbeat started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logCtx.Debug("Presence: heartbeat stopped")
			return
		case <-ticker.C:
			t.updater.UpdatePlayerActivity(ctx, t.code, t.playerID)
		}
	}
}

// Stop 终止心跳。幂等。
func (t *Tracker) Stop() {
	t.stopOnce.Do(t.cancel)
}
