package redisroom

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/repository"
)

// Feed 是 repository.RoomFeed 的 Redis pub/sub 实现：
// 订阅房间的 events 频道，把每次写入发布的完整房间状态推给消费方。
// 推送模式下客户端从不轮询。
type Feed struct {
	store *RoomStore
}

var _ repository.RoomFeed = (*Feed)(nil)

// NewFeed 创建基于 pub/sub 的 Feed。
func NewFeed(store *RoomStore) *Feed {
	if store == nil {
		panic("RoomStore cannot be nil for Feed")
	}
	return &Feed{store: store}
}

// Subscribe 订阅指定房间的变更推送。
// 返回的 stop 函数关闭底层 pub/sub 连接并最终关闭事件通道；
// 可以安全地多次调用。
func (f *Feed) Subscribe(ctx context.Context, code string) (<-chan repository.RoomEvent, func(), error) {
	channel := f.store.roomEventsChannel(code)
	pubsub := f.store.client.Subscribe(ctx, channel)

	// 确认订阅建立；失败时立即释放连接
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	events := make(chan repository.RoomEvent, 8)
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "component": "redis_feed"})

	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			event, ok := parsePayload(msg, logCtx)
			if !ok {
				continue
			}
			select {
			case events <- event:
			default:
				// 消费方积压时丢弃这条推送：随后的写入会再次推送全量状态，
				// 丢一条不影响最终收敛
				logCtx.Warn("Redis feed: subscriber channel full, dropping event")
			}
		}
		logCtx.Debug("Redis feed: pub/sub channel closed")
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				logCtx.WithError(err).Warn("Redis feed: error closing pub/sub")
			}
		})
	}
	return events, stop, nil
}

func parsePayload(msg *redis.Message, logCtx *logrus.Entry) (repository.RoomEvent, bool) {
	var payload feedPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		logCtx.WithError(err).Warn("Redis feed: unparsable event payload")
		return repository.RoomEvent{}, false
	}
	if payload.Gone {
		return repository.RoomEvent{Gone: true}, true
	}
	if payload.Room == nil {
		return repository.RoomEvent{}, false
	}
	return repository.RoomEvent{Room: payload.Room}, true
}
