package service

import (
	"context"
	"sync"
	"time"
)

// DefaultScoreDebounce 游戏上报分数的合并窗口：
// 游戏每次分数变化都会上报最新的绝对值，ScoreReporter 把 300ms 内的
// 连续上报合并为一次 UpdatePlayerScore 写入，限制写入量。
const DefaultScoreDebounce = 300 * time.Millisecond

// ScoreReporter 对每个 (房间, 玩家) 做尾沿防抖：
// 新上报会重置计时器并覆盖待写的分数，计时器到点时只落最后一个值。
type ScoreReporter struct {
	svc   *RoomService
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingScore
	closed  bool
}

type pendingScore struct {
	timer  *time.Timer
	score  int
	gameID string
}

// NewScoreReporter 创建防抖上报器。delay <= 0 时使用默认的 300ms。
func NewScoreReporter(svc *RoomService, delay time.Duration) *ScoreReporter {
	if svc == nil {
		panic("RoomService cannot be nil for ScoreReporter")
	}
	if delay <= 0 {
		delay = DefaultScoreDebounce
	}
	return &ScoreReporter{
		svc:     svc,
		delay:   delay,
		pending: make(map[string]*pendingScore),
	}
}

// Report 记录一次分数上报（绝对值）。同一 (房间, 玩家) 在合并窗口内的
// 多次上报只会产生一次写入，写入携带最后上报的值。
func (r *ScoreReporter) Report(roomCode, playerID string, score int, gameID string) {
	key := roomCode + "|" + playerID

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	if p, ok := r.pending[key]; ok {
		// 重置计时窗口并覆盖待写的值
		p.timer.Stop()
		p.score = score
		p.gameID = gameID
		p.timer = r.newTimer(key, roomCode, playerID)
		return
	}

	p := &pendingScore{score: score, gameID: gameID}
	p.timer = r.newTimer(key, roomCode, playerID)
	r.pending[key] = p
}

// newTimer 调度一次到点写入。调用时必须已持有 r.mu。
func (r *ScoreReporter) newTimer(key, roomCode, playerID string) *time.Timer {
	return time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		p, ok := r.pending[key]
		if !ok || r.closed {
			r.mu.Unlock()
			return
		}
		delete(r.pending, key)
		score, gameID := p.score, p.gameID
		r.mu.Unlock()

		r.svc.UpdatePlayerScore(context.Background(), roomCode, playerID, score, gameID)
	})
}

// FlushPlayer 立刻落下指定玩家待写的分数（玩家断开时调用）。
func (r *ScoreReporter) FlushPlayer(roomCode, playerID string) {
	key := roomCode + "|" + playerID

	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		p.timer.Stop()
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if ok {
		r.svc.UpdatePlayerScore(context.Background(), roomCode, playerID, p.score, p.gameID)
	}
}

// Close 停掉所有计时器并同步落下全部待写分数。之后的 Report 均被忽略。
func (r *ScoreReporter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := r.pending
	r.pending = make(map[string]*pendingScore)
	r.mu.Unlock()

	for key, p := range remaining {
		p.timer.Stop()
		// key 形如 room|player
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				r.svc.UpdatePlayerScore(context.Background(), key[:i], key[i+1:], p.score, p.gameID)
				break
			}
		}
	}
}
