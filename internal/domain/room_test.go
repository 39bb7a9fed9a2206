package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcade-multiplayer/internal/domain"
)

func TestRoom_UpsertPlayer(t *testing.T) {
	room := &domain.Room{Code: "ABC123"}

	room.UpsertPlayer(domain.Player{ID: "p1", Name: "Alice"})
	room.UpsertPlayer(domain.Player{ID: "p2", Name: "Bob"})
	require.Len(t, room.Players, 2)

	// 同 ID 再次写入：原位更新，顺序不变
	room.UpsertPlayer(domain.Player{ID: "p1", Name: "Alicia"})
	require.Len(t, room.Players, 2, "同 ID 不应产生重复条目")
	assert.Equal(t, "Alicia", room.Players[0].Name)
	assert.Equal(t, "p1", room.Players[0].ID, "更新不改变玩家在列表中的位置")
}

func TestRoom_RemovePlayer(t *testing.T) {
	room := &domain.Room{
		Code:    "ABC123",
		Players: []domain.Player{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}},
	}

	assert.True(t, room.RemovePlayer("p2"))
	require.Len(t, room.Players, 2)
	assert.Equal(t, "p1", room.Players[0].ID)
	assert.Equal(t, "p3", room.Players[1].ID, "剩余玩家保持相对顺序")

	assert.False(t, room.RemovePlayer("p2"), "重复移除应返回 false")
}

func TestRoom_Expired(t *testing.T) {
	now := domain.NowMillis()
	room := &domain.Room{Code: "ABC123", LastActivity: now}

	assert.False(t, room.Expired(now))
	assert.False(t, room.Expired(now+domain.RoomExpiry.Milliseconds()), "恰好一小时不算过期")
	assert.True(t, room.Expired(now+domain.RoomExpiry.Milliseconds()+1))
}

func TestValidatePlayerName(t *testing.T) {
	assert.NoError(t, domain.ValidatePlayerName("Alice"))
	assert.NoError(t, domain.ValidatePlayerName("  Bob  "), "首尾空白在校验前去除")
	assert.Error(t, domain.ValidatePlayerName(""))
	assert.Error(t, domain.ValidatePlayerName("    "))

	// 恰好 20 个字符合法，21 个不合法（按 rune 计）
	twenty := "aaaaaaaaaaaaaaaaaaaa"
	require.Len(t, []rune(twenty), 20)
	assert.NoError(t, domain.ValidatePlayerName(twenty))
	assert.Error(t, domain.ValidatePlayerName(twenty+"a"))
}

func TestValidAvatarAndGameID(t *testing.T) {
	assert.True(t, domain.ValidAvatar("😀"))
	assert.False(t, domain.ValidAvatar("🍕"), "字符集之外的头像不合法")
	assert.False(t, domain.ValidAvatar(""))

	assert.True(t, domain.ValidGameID("jordnaer"))
	assert.True(t, domain.ValidGameID("troverdighet"))
	assert.False(t, domain.ValidGameID("tetris"))
}

func TestNewPlayerID_Format(t *testing.T) {
	id1 := domain.NewPlayerID()
	id2 := domain.NewPlayerID()

	assert.Regexp(t, `^player_\d+_[0-9a-z]{9}$`, id1)
	assert.NotEqual(t, id1, id2, "连续生成的 ID 不应相同")
}

func TestNowMillis_IsMilliseconds(t *testing.T) {
	now := domain.NowMillis()
	assert.InDelta(t, time.Now().UnixMilli(), now, 1000, "NowMillis 应为毫秒时间戳")
}
