package roomsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/repository"
)

// DefaultPollInterval 本地后端没有推送通道，按固定间隔轮询存储。
const DefaultPollInterval = 2 * time.Second

// PollingFeed 是 repository.RoomFeed 的轮询实现，包装任意 RoomStore。
// 远端后端使用 pub/sub 推送时不会用到它。
type PollingFeed struct {
	store    repository.RoomStore
	interval time.Duration
}

var _ repository.RoomFeed = (*PollingFeed)(nil)

// NewPollingFeed 创建轮询 Feed。interval <= 0 时使用默认的 2 秒。
func NewPollingFeed(store repository.RoomStore, interval time.Duration) *PollingFeed {
	if store == nil {
		panic("RoomStore cannot be nil for PollingFeed")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollingFeed{store: store, interval: interval}
}

// Subscribe 启动对指定房间的周期轮询。
// 每次轮询：房间存在则送出其当前状态，不存在则送出 Gone 事件。
// stop 函数停止定时器并关闭事件通道，可安全多次调用。
func (f *PollingFeed) Subscribe(ctx context.Context, code string) (<-chan repository.RoomEvent, func(), error) {
	events := make(chan repository.RoomEvent, 8)
	done := make(chan struct{})
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "component": "polling_feed"})

	go func() {
		defer close(events)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				room, err := f.store.Get(ctx, code)
				var event repository.RoomEvent
				switch {
				case err == nil:
					event = repository.RoomEvent{Room: room}
				case errors.Is(err, repository.ErrRoomNotFound):
					event = repository.RoomEvent{Gone: true}
				default:
					// 瞬时读取失败：跳过本轮，下一个 tick 自然重试
					logCtx.WithError(err).Warn("Polling feed: room fetch failed")
					continue
				}
				select {
				case events <- event:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}
	return events, stop, nil
}
