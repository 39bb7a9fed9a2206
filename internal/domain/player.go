package domain

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// MaxPlayerNameLength 玩家昵称的最大长度（按 rune 计）。
const MaxPlayerNameLength = 20

// Avatars 固定的头像字符集，客户端只能从中选择一个。
var Avatars = []string{
	"😀", "😎", "🤓", "😇", "🤩", "🥳", "🤖", "👾",
	"👨‍💻", "👩‍💻", "🧑‍🚀", "👨‍🎨", "👩‍🎨", "🦸", "🦹", "🧙",
	"🐱", "🐶", "🦊", "🐼", "🐯", "🦁", "🐸", "🐵",
}

// GameIDs 五个小游戏的标识符，房间只允许启动其中之一。
var GameIDs = []string{"jordnaer", "entusiastisk", "delingskultur", "frihet", "troverdighet"}

// Player 表示房间内的一名玩家。
type Player struct {
	ID              string `json:"id"`                        // 全局唯一，创建时生成
	Name            string `json:"name"`                      // 用户输入的昵称，≤20 字符
	Avatar          string `json:"avatar"`                    // 固定字符集中的一个头像
	CurrentScore    int    `json:"currentScore"`              // 当前这局游戏累计的分数
	TotalScore      int    `json:"totalScore"`                // 历次结算累加的总分，只增不减
	CurrentGame     string `json:"currentGame,omitempty"`     // 游戏进行中时与房间的 currentGame 一致
	LastActivity    int64  `json:"lastActivity"`              // 最近一次心跳 (ms)
	LastScoreUpdate int64  `json:"lastScoreUpdate,omitempty"` // 最近一次分数写入 (ms)
	JoinedAt        int64  `json:"joinedAt"`                  // 加入时间 (ms)
}

// NewPlayer 根据昵称和头像创建玩家，ID 在此处生成。
func NewPlayer(name, avatar string) Player {
	now := NowMillis()
	return Player{
		ID:           NewPlayerID(),
		Name:         name,
		Avatar:       avatar,
		LastActivity: now,
		JoinedAt:     now,
	}
}

// NewPlayerID 生成形如 player_<毫秒时间戳>_<9 位 36 进制随机串> 的玩家 ID。
func NewPlayerID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	const suffixLength = 9

	b := make([]byte, suffixLength)
	// crypto/rand 读取失败在实践中不会发生；出错时退化为全 '0' 后缀，
	// 时间戳部分仍能保证足够的区分度。
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return fmt.Sprintf("player_%d_%s", NowMillis(), string(b))
}

// ValidatePlayerName 校验玩家昵称：非空且不超过最大长度。
func ValidatePlayerName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("player name must not be empty")
	}
	if len([]rune(trimmed)) > MaxPlayerNameLength {
		return fmt.Errorf("player name must be at most %d characters", MaxPlayerNameLength)
	}
	return nil
}

// ValidAvatar 判断头像是否来自固定字符集。
func ValidAvatar(avatar string) bool {
	for _, a := range Avatars {
		if a == avatar {
			return true
		}
	}
	return false
}

// ValidGameID 判断游戏标识是否为已知的五个小游戏之一。
func ValidGameID(gameID string) bool {
	for _, id := range GameIDs {
		if id == gameID {
			return true
		}
	}
	return false
}
