package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/fanout"
	fileroom "arcade-multiplayer/internal/infra/persistence/file"
	"arcade-multiplayer/internal/roomsync"
	"arcade-multiplayer/internal/service"
)

// newTestHub 构造接内存存储的 Hub，pollInterval 控制轮询 Feed 的频率。
func newTestHub(t *testing.T, pollInterval time.Duration) (*Hub, *fileroom.RoomStore) {
	t.Helper()
	store := fileroom.NewMemoryStore()
	fan := fanout.NewChannel()
	roomService := service.NewRoomService(store, fan)
	scores := service.NewScoreReporter(roomService, time.Millisecond)
	feed := roomsync.NewPollingFeed(store, pollInterval)
	synchronizer := roomsync.NewSynchronizer(store, feed, fan)
	return NewHub(roomService, synchronizer, scores), store
}

func seedHubRoom(t *testing.T, store *fileroom.RoomStore, code string) {
	t.Helper()
	now := domain.NowMillis()
	require.NoError(t, store.Set(context.Background(), &domain.Room{
		Code:         code,
		Host:         "p1",
		Players:      []domain.Player{{ID: "p1", Name: "Alice", Avatar: "😀"}},
		GameState:    domain.GameStateLobby,
		CreatedAt:    now,
		LastActivity: now,
		Version:      1,
	}))
}

func TestClient_TrySendAfterCloseDropsMessage(t *testing.T) {
	client := NewClient(nil, nil, "ABC123", "p1")

	client.closeSend()

	assert.NotPanics(t, func() {
		assert.False(t, client.trySend([]byte(`{}`)), "通道关闭后投递应被丢弃")
	})
}

func TestClient_CloseSendIsIdempotent(t *testing.T) {
	client := NewClient(nil, nil, "ABC123", "p1")

	assert.NotPanics(t, func() {
		client.closeSend()
		client.closeSend()
	})
}

func TestClient_ConcurrentSendAndClose(t *testing.T) {
	// 投递来自同步器回调等 goroutine，关闭发生在 Hub 主循环，
	// 两者并发执行不得 panic
	client := NewClient(nil, nil, "ABC123", "p1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				client.trySend([]byte(`{"type":"room"}`))
			}
		}()
	}
	client.closeSend()
	wg.Wait()
}

func TestHub_BroadcastAfterUnregisterIsSafe(t *testing.T) {
	// Arrange: 两个客户端在册，其中一个注销
	h, store := newTestHub(t, time.Hour)
	seedHubRoom(t, store, "ABC123")

	c1 := NewClient(h, nil, "ABC123", "p1")
	c2 := NewClient(h, nil, "ABC123", "p2")
	h.registerClient(c1)
	h.registerClient(c2)
	h.unregisterClient(c2)

	// Act: 注销之后广播房间状态
	room, err := h.roomService.GetRoom(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.NotPanics(t, func() { h.broadcastRoom("ABC123", room) })

	// Assert: 仍在册的客户端收到消息
	select {
	case msg := <-c1.send:
		assert.Contains(t, string(msg), `"type":"room"`)
	case <-time.After(time.Second):
		t.Fatal("仍在册的客户端应收到广播")
	}

	h.unregisterClient(c1)
}

func TestHub_RegisterChurnWhileDelivering(t *testing.T) {
	// 轮询交付在订阅锁内回调进 broadcast（申请 roomsMu 读锁），
	// 同时注册/注销路径反复拿 roomsMu 写锁，验证两条加锁路径不会互相卡死
	h, store := newTestHub(t, 5*time.Millisecond)
	seedHubRoom(t, store, "ABC123")

	c1 := NewClient(h, nil, "ABC123", "p1")
	h.registerClient(c1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			c := NewClient(h, nil, "ABC123", "p2")
			h.registerClient(c)
			// 触发一次真实变更，让轮询和扇出提示持续产生交付
			h.roomService.UpdatePlayerActivity(context.Background(), "ABC123", "p1")
			h.unregisterClient(c)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("注册/注销与轮询交付发生互锁")
	}
	h.unregisterClient(c1)
}
