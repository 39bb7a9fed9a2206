package roomsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/fanout"
	fileroom "arcade-multiplayer/internal/infra/persistence/file"
	"arcade-multiplayer/internal/roomsync"
)

func seedRoom(t *testing.T, store *fileroom.RoomStore, code string) *domain.Room {
	t.Helper()
	now := domain.NowMillis()
	room := &domain.Room{
		Code:         code,
		Host:         "p1",
		Players:      []domain.Player{{ID: "p1", Name: "Alice", Avatar: "😀"}},
		GameState:    domain.GameStateLobby,
		CreatedAt:    now,
		LastActivity: now,
		Version:      1,
	}
	require.NoError(t, store.Set(context.Background(), room))
	return room
}

func waitRoom(t *testing.T, ch <-chan *domain.Room) *domain.Room {
	t.Helper()
	select {
	case room := <-ch:
		return room
	case <-time.After(2 * time.Second):
		t.Fatal("等待房间交付超时")
		return nil
	}
}

// --- PollingFeed ---

func TestPollingFeed_DeliversRoomState(t *testing.T) {
	// Arrange
	store := fileroom.NewMemoryStore()
	seedRoom(t, store, "ABC123")
	feed := roomsync.NewPollingFeed(store, 20*time.Millisecond)

	events, stop, err := feed.Subscribe(context.Background(), "ABC123")
	require.NoError(t, err)
	defer stop()

	// Assert: 下一个轮询周期内送出当前状态
	select {
	case event := <-events:
		require.False(t, event.Gone)
		require.NotNil(t, event.Room)
		assert.Equal(t, "ABC123", event.Room.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("轮询 Feed 未在预期时间内送出房间状态")
	}
}

func TestPollingFeed_SignalsGoneAfterDelete(t *testing.T) {
	// Arrange
	store := fileroom.NewMemoryStore()
	seedRoom(t, store, "ABC123")
	feed := roomsync.NewPollingFeed(store, 20*time.Millisecond)

	events, stop, err := feed.Subscribe(context.Background(), "ABC123")
	require.NoError(t, err)
	defer stop()

	// Act
	require.NoError(t, store.Delete(context.Background(), "ABC123"))

	// Assert: 删除后轮询观察到 Gone
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Gone {
				return // 观察到了消失事件
			}
		case <-deadline:
			t.Fatal("删除房间后未观察到 Gone 事件")
		}
	}
}

func TestPollingFeed_StopClosesEventChannel(t *testing.T) {
	store := fileroom.NewMemoryStore()
	seedRoom(t, store, "ABC123")
	feed := roomsync.NewPollingFeed(store, 20*time.Millisecond)

	events, stop, err := feed.Subscribe(context.Background(), "ABC123")
	require.NoError(t, err)

	stop()
	stop() // 可安全重复调用

	// Assert: 通道最终关闭（可能还残留已缓冲的事件）
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stop 后事件通道未关闭")
		}
	}
}

// --- Synchronizer ---

func TestSynchronizer_DeliversUpdatesInOrder(t *testing.T) {
	// Arrange: 轮询后端 + 真实扇出通道
	store := fileroom.NewMemoryStore()
	room := seedRoom(t, store, "ABC123")
	fan := fanout.NewChannel()
	sync := roomsync.NewSynchronizer(store, roomsync.NewPollingFeed(store, 20*time.Millisecond), fan)

	changes := make(chan *domain.Room, 16)
	sub, err := sync.Subscribe("ABC123",
		func(r *domain.Room) { changes <- r },
		nil,
	)
	require.NoError(t, err)
	defer sub.Stop()

	// Assert: 先观察到初始状态
	first := waitRoom(t, changes)
	assert.Equal(t, uint64(1), first.Version)

	// Act: 写入一次变更（版本和 lastActivity 都前进）
	room.Version = 2
	room.LastActivity = domain.NowMillis() + 10
	require.NoError(t, store.Set(context.Background(), room))

	// Assert: 下一次交付看到新版本，lastActivity 单调不减
	for {
		next := waitRoom(t, changes)
		assert.GreaterOrEqual(t, next.LastActivity, first.LastActivity, "交付的 lastActivity 不允许回退")
		if next.Version == 2 {
			return
		}
	}
}

func TestSynchronizer_IdenticalStateDeliveredOnce(t *testing.T) {
	// Arrange: 轮询会反复读到同一份状态，但只应交付一次
	store := fileroom.NewMemoryStore()
	seedRoom(t, store, "ABC123")
	fan := fanout.NewChannel()
	sync := roomsync.NewSynchronizer(store, roomsync.NewPollingFeed(store, 20*time.Millisecond), fan)

	changes := make(chan *domain.Room, 16)
	sub, err := sync.Subscribe("ABC123", func(r *domain.Room) { changes <- r }, nil)
	require.NoError(t, err)
	defer sub.Stop()

	waitRoom(t, changes)

	// Assert: 随后的几个轮询周期内不再重复交付
	select {
	case r := <-changes:
		t.Fatalf("相同状态被重复交付: version=%d", r.Version)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSynchronizer_FanoutHintTriggersImmediateRefresh(t *testing.T) {
	// Arrange: 轮询间隔拉到很长，变更只能靠扇出提示感知
	store := fileroom.NewMemoryStore()
	seedRoom(t, store, "ABC123")
	fan := fanout.NewChannel()
	sync := roomsync.NewSynchronizer(store, roomsync.NewPollingFeed(store, time.Hour), fan)

	changes := make(chan *domain.Room, 4)
	sub, err := sync.Subscribe("ABC123", func(r *domain.Room) { changes <- r }, nil)
	require.NoError(t, err)
	defer sub.Stop()

	// Act: 广播命中本房间的提示
	fan.Broadcast(fanout.TypeScoreUpdate, "ABC123")

	// Assert: 不等轮询周期就能拿到权威状态
	got := waitRoom(t, changes)
	assert.Equal(t, "ABC123", got.Code)

	// 其他房间的提示不触发交付
	fan.Broadcast(fanout.TypeScoreUpdate, "XYZ789")
	select {
	case <-changes:
		t.Fatal("别的房间的提示不应触发本订阅的交付")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSynchronizer_GoneSignaledOnce(t *testing.T) {
	// Arrange
	store := fileroom.NewMemoryStore()
	seedRoom(t, store, "ABC123")
	fan := fanout.NewChannel()
	sync := roomsync.NewSynchronizer(store, roomsync.NewPollingFeed(store, 20*time.Millisecond), fan)

	changes := make(chan *domain.Room, 16)
	gone := make(chan struct{}, 16)
	sub, err := sync.Subscribe("ABC123",
		func(r *domain.Room) { changes <- r },
		func() { gone <- struct{}{} },
	)
	require.NoError(t, err)
	defer sub.Stop()

	waitRoom(t, changes)

	// Act: 删除房间
	require.NoError(t, store.Delete(context.Background(), "ABC123"))

	// Assert: onGone 恰好触发一次，即使轮询反复观察到缺失
	select {
	case <-gone:
	case <-time.After(2 * time.Second):
		t.Fatal("删除房间后 onGone 未被触发")
	}
	select {
	case <-gone:
		t.Fatal("onGone 被重复触发")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSynchronizer_StopDiscardsLateCallbacks(t *testing.T) {
	// Arrange
	store := fileroom.NewMemoryStore()
	room := seedRoom(t, store, "ABC123")
	fan := fanout.NewChannel()
	sync := roomsync.NewSynchronizer(store, roomsync.NewPollingFeed(store, 20*time.Millisecond), fan)

	changes := make(chan *domain.Room, 16)
	sub, err := sync.Subscribe("ABC123", func(r *domain.Room) { changes <- r }, nil)
	require.NoError(t, err)
	waitRoom(t, changes)

	// Act
	sub.Stop()
	sub.Stop() // 幂等

	room.Version = 2
	room.LastActivity = domain.NowMillis() + 10
	require.NoError(t, store.Set(context.Background(), room))
	fan.Broadcast(fanout.TypeScoreUpdate, "ABC123")

	// Assert: Stop 之后不再有任何交付
	select {
	case <-changes:
		t.Fatal("Stop 之后不应再交付房间状态")
	case <-time.After(150 * time.Millisecond):
	}
}
