package fileroom_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcade-multiplayer/internal/domain"
	fileroom "arcade-multiplayer/internal/infra/persistence/file"
	"arcade-multiplayer/internal/repository"
)

func newRoom(code string, version uint64) *domain.Room {
	now := domain.NowMillis()
	return &domain.Room{
		Code:         code,
		Host:         "p1",
		Players:      []domain.Player{{ID: "p1", Name: "Alice", Avatar: "😀"}},
		GameState:    domain.GameStateLobby,
		CreatedAt:    now,
		LastActivity: now,
		Version:      version,
	}
}

func TestFileRoomStore_SetAndGetRoundTrip(t *testing.T) {
	store := fileroom.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, newRoom("ABC123", 1)))

	got, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got.Code)
	assert.Equal(t, uint64(1), got.Version)

	// Get 返回副本：修改它不影响存储中的状态
	got.Host = "hacker"
	again, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "p1", again.Host, "Get 应返回独立副本")
}

func TestFileRoomStore_GetMissingRoom(t *testing.T) {
	store := fileroom.NewMemoryStore()

	_, err := store.Get(context.Background(), "NOPE00")

	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrRoomNotFound))
}

func TestFileRoomStore_SetRejectsStaleVersion(t *testing.T) {
	// Arrange: 存储中已有 v2
	store := fileroom.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, newRoom("ABC123", 1)))
	require.NoError(t, store.Set(ctx, newRoom("ABC123", 2)))

	// Act: 用过期的 v2 再写一次（模拟并发写入者输掉竞争）
	err := store.Set(ctx, newRoom("ABC123", 2))

	// Assert
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrVersionConflict), "过期版本的写入应被拒绝")

	// 跳号写入同样被拒绝
	err = store.Set(ctx, newRoom("ABC123", 5))
	assert.True(t, errors.Is(err, repository.ErrVersionConflict))
}

func TestFileRoomStore_SetRejectsNewRoomWithWrongVersion(t *testing.T) {
	store := fileroom.NewMemoryStore()

	err := store.Set(context.Background(), newRoom("ABC123", 7))

	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrVersionConflict), "新房间必须从版本 1 开始")
}

func TestFileRoomStore_DeleteIsIdempotent(t *testing.T) {
	store := fileroom.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, newRoom("ABC123", 1)))

	require.NoError(t, store.Delete(ctx, "ABC123"))
	require.NoError(t, store.Delete(ctx, "ABC123"), "删除不存在的房间应静默成功")

	_, err := store.Get(ctx, "ABC123")
	assert.True(t, errors.Is(err, repository.ErrRoomNotFound))
}

func TestFileRoomStore_ListAllEvictsExpiredRooms(t *testing.T) {
	// Arrange: 一个活跃房间，一个 lastActivity 超过过期窗口的房间
	store := fileroom.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, newRoom("LIVE01", 1)))
	expired := newRoom("DEAD01", 1)
	expired.LastActivity = domain.NowMillis() - (domain.RoomExpiry.Milliseconds() + 1000)
	require.NoError(t, store.Set(ctx, expired))

	// Act
	rooms, err := store.ListAll(ctx)

	// Assert: 过期房间对列表不可见，且已被回收
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "LIVE01", rooms[0].Code)

	_, err = store.Get(ctx, "DEAD01")
	assert.True(t, errors.Is(err, repository.ErrRoomNotFound), "过期房间应在列表读取时被回收")
}

func TestFileRoomStore_PersistsAcrossReload(t *testing.T) {
	// Arrange: 落盘存储写入一个房间
	path := filepath.Join(t.TempDir(), "rooms.json")
	ctx := context.Background()

	first := fileroom.NewRoomStore(path)
	require.NoError(t, first.Set(ctx, newRoom("ABC123", 1)))

	// Act: 用同一文件重建存储（模拟进程重启）
	second := fileroom.NewRoomStore(path)

	// Assert
	got, err := second.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got.Code)
	require.Len(t, got.Players, 1)
	assert.Equal(t, "Alice", got.Players[0].Name)
}

func TestFileRoomStore_GetIsolatesPlayerState(t *testing.T) {
	// Arrange
	store := fileroom.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, newRoom("ABC123", 1)))

	// Act: 修改 Get 返回副本中的玩家，不调用 Set
	got, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	got.Players[0].CurrentScore = 99

	// Assert: 存储中的玩家状态不受影响
	again, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Players[0].CurrentScore, "未经 Set 的玩家修改不应进入存储")
}

func TestFileRoomStore_SetStoresIndependentCopy(t *testing.T) {
	// Arrange
	store := fileroom.NewMemoryStore()
	ctx := context.Background()
	room := newRoom("ABC123", 1)
	require.NoError(t, store.Set(ctx, room))

	// Act: 写入之后调用方继续改自己手里那份
	room.Players[0].TotalScore = 500

	// Assert
	got, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Players[0].TotalScore, "Set 之后调用方的修改不应穿透进存储")
}

func TestFileRoomStore_ListAllIsolatesPlayerState(t *testing.T) {
	store := fileroom.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, newRoom("ABC123", 1)))

	rooms, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	rooms[0].Players[0].CurrentScore = 42

	got, err := store.Get(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Players[0].CurrentScore, "ListAll 返回的房间同样应是独立副本")
}

func TestFileRoomStore_PersistLeavesNoTempFile(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "rooms.json")
	store := fileroom.NewRoomStore(path)

	// Act
	require.NoError(t, store.Set(context.Background(), newRoom("ABC123", 1)))

	// Assert: 数据文件完整可读，替换用的临时文件不残留
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ABC123")
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "写入完成后不应残留临时文件")
}

func TestFileRoomStore_CorruptDataFileStartsEmpty(t *testing.T) {
	// Arrange: 文件内容不是合法 JSON
	path := filepath.Join(t.TempDir(), "rooms.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	// Act: 加载失败不应 panic，从空表开始
	store := fileroom.NewRoomStore(path)

	_, err := store.Get(context.Background(), "ABC123")
	assert.True(t, errors.Is(err, repository.ErrRoomNotFound))
}
