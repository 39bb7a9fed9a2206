// Package roomsync 实现房间同步器：给定房间码和变更回调，
// 把后端推送/轮询和本地扇出提示汇聚成对该房间的单一实时视图。
package roomsync

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/fanout"
	"arcade-multiplayer/internal/repository"
)

// Synchronizer 为订阅方维护房间的实时视图。
// Feed 提供后端自身的变更通道（推送或轮询）；
// 扇出通道上的提示会额外触发一次 out-of-band 的权威读取，
// 用来填平本地轮询间隔与另一个本地订阅者动作之间的空档。
type Synchronizer struct {
	store repository.RoomStore
	feed  repository.RoomFeed
	fan   *fanout.Channel
}

// NewSynchronizer 创建同步器。
func NewSynchronizer(store repository.RoomStore, feed repository.RoomFeed, fan *fanout.Channel) *Synchronizer {
	if store == nil {
		panic("RoomStore cannot be nil for Synchronizer")
	}
	if feed == nil {
		panic("RoomFeed cannot be nil for Synchronizer")
	}
	if fan == nil {
		panic("fanout channel cannot be nil for Synchronizer")
	}
	return &Synchronizer{store: store, feed: feed, fan: fan}
}

// Subscription 是一次订阅的句柄。Stop 必须在所有退出路径上调用，
// 否则会泄漏定时器或 pub/sub 连接。
type Subscription struct {
	code     string
	onChange func(*domain.Room)
	onGone   func()

	mu           sync.Mutex
	closed       bool
	goneSignaled bool
	lastActivity int64  // 最近一次交付的 lastActivity，用于丢弃乱序交付
	lastVersion  uint64 // lastActivity 相同时按版本号二次判序

	cancel   context.CancelFunc
	stopFeed func()
	unsubFan func()
	stopOnce sync.Once
}

// Subscribe 订阅房间的实时变更。
// onChange 在每次观察到更新的房间状态时被调用（保证不乱序、Stop 后不再调用）；
// onGone 在房间消失时被调用一次。两个回调都在订阅自身的锁内串行执行，
// 不允许阻塞太久，也不允许在回调里调用 Stop 以外的订阅方法。
func (s *Synchronizer) Subscribe(code string, onChange func(*domain.Room), onGone func()) (*Subscription, error) {
	if onChange == nil {
		panic("onChange callback cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		code:     code,
		onChange: onChange,
		onGone:   onGone,
		cancel:   cancel,
	}

	events, stopFeed, err := s.feed.Subscribe(ctx, code)
	if err != nil {
		cancel()
		return nil, err
	}
	sub.stopFeed = stopFeed

	// 扇出提示：命中本房间码时做一次权威 refresh
	sub.unsubFan = s.fan.Subscribe(func(msg fanout.Message) {
		if msg.RoomCode == code {
			s.refresh(ctx, sub)
		}
	})

	go func() {
		for event := range events {
			if event.Gone {
				sub.signalGone()
			} else {
				sub.deliver(event.Room)
			}
		}
	}()

	logrus.WithField("room_code", code).Debug("Synchronizer: subscription established")
	return sub, nil
}

// refresh 从存储读取权威状态并尝试交付。
func (s *Synchronizer) refresh(ctx context.Context, sub *Subscription) {
	room, err := s.store.Get(ctx, sub.code)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			sub.signalGone()
			return
		}
		// 读取失败当作房间未找到以外的瞬时故障：下一次提示或轮询会自愈
		logrus.WithField("room_code", sub.code).WithError(err).Warn("Synchronizer: refresh failed")
		return
	}
	sub.deliver(room)
}

// deliver 在持有订阅锁的情况下交付一次房间状态。
// 比已交付状态更旧（慢轮询结果迟到）的交付会被直接丢弃，
// 保证消费方看到的 lastActivity 单调不减。
func (sub *Subscription) deliver(room *domain.Room) {
	if room == nil {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	if room.LastActivity < sub.lastActivity {
		return
	}
	if room.LastActivity == sub.lastActivity && room.Version <= sub.lastVersion {
		return
	}
	sub.lastActivity = room.LastActivity
	sub.lastVersion = room.Version
	sub.goneSignaled = false // 观察到活的房间，重置消失标记
	sub.onChange(room)
}

// signalGone 向消费方通知房间消失，最多一次（直到再次观察到活的房间）。
func (sub *Subscription) signalGone() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed || sub.goneSignaled {
		return
	}
	sub.goneSignaled = true
	if sub.onGone != nil {
		sub.onGone()
	}
}

// Stop 终止订阅：取消上下文、停掉 Feed、注销扇出监听。
// 幂等；返回后不会再有任何回调被触发。
func (sub *Subscription) Stop() {
	sub.stopOnce.Do(func() {
		sub.mu.Lock()
		sub.closed = true
		sub.mu.Unlock()

		sub.cancel()
		if sub.stopFeed != nil {
			sub.stopFeed()
		}
		if sub.unsubFan != nil {
			sub.unsubFan()
		}
		logrus.WithField("room_code", sub.code).Debug("Synchronizer: subscription stopped")
	})
}
