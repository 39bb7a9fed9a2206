package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/fanout"
	"arcade-multiplayer/internal/repository"
)

// maxWriteAttempts 乐观并发冲突时整个"读-改-写"的最大重试次数。
const maxWriteAttempts = 3

// errSkipWrite 由 mutate 的变更函数返回，表示本次操作应退化为 no-op
// （例如目标玩家已不在房间里），不产生写入。
var errSkipWrite = errors.New("skip write")

// RoomService 实现房间生命周期管理：创建、加入、离开、开局、
// 计分、结算、回到大厅、心跳。所有变更都是对 RoomStore 的
// 读-改-写（带版本号 CAS 重试），成功后在本地扇出通道上发出提示。
type RoomService struct {
	store repository.RoomStore
	fan   *fanout.Channel
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(store repository.RoomStore, fan *fanout.Channel) *RoomService {
	if store == nil {
		panic("RoomStore cannot be nil for RoomService")
	}
	if fan == nil {
		panic("fanout channel cannot be nil for RoomService")
	}
	return &RoomService{store: store, fan: fan}
}

// CreatePlayer 校验昵称和头像并构造一名新玩家（ID 在此生成）。
func (s *RoomService) CreatePlayer(name, avatar string) (domain.Player, error) {
	if err := domain.ValidatePlayerName(name); err != nil {
		return domain.Player{}, fmt.Errorf("%w: %v", ErrInvalidPlayerName, err)
	}
	if !domain.ValidAvatar(avatar) {
		return domain.Player{}, ErrInvalidAvatar
	}
	return domain.NewPlayer(strings.TrimSpace(name), avatar), nil
}

// CreateRoom 生成唯一房间码并写入新房间，主持人是唯一成员。
// 创建失败会直接返回错误——调用方阻塞在这个操作上，必须感知失败。
func (s *RoomService) CreateRoom(ctx context.Context, host domain.Player) (*domain.Room, error) {
	logCtx := logrus.WithField("host_id", host.ID)

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		code, err := s.generateUniqueRoomCode(ctx)
		if err != nil {
			logCtx.WithError(err).Error("Failed to generate unique room code")
			return nil, s.mapCreateError(err)
		}

		now := domain.NowMillis()
		room := &domain.Room{
			Code:         code,
			Host:         host.ID,
			Players:      []domain.Player{host},
			GameState:    domain.GameStateLobby,
			CreatedAt:    now,
			LastActivity: now,
			Version:      1,
		}

		err = s.store.Set(ctx, room)
		if err == nil {
			s.fan.BroadcastMessage(fanout.Message{Type: fanout.TypeRoomCreated, RoomCode: code, PlayerID: host.ID})
			logCtx.WithField("room_code", code).Info("Room created")
			return room, nil
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			// 极小概率：另一个创建者在存在性检查和写入之间抢占了同一个码，换码重试
			logCtx.WithField("room_code", code).Warn("Room code collided on write, retrying with a new code")
			continue
		}
		logCtx.WithError(err).Error("Failed to save new room")
		return nil, s.mapCreateError(err)
	}
	return nil, ErrInternalServer
}

// JoinRoom 把玩家加入房间：ID 已存在则原位更新，否则追加到末尾。
// 房间不存在时返回 ErrRoomNotFound——调用方阻塞在这个操作上。
func (s *RoomService) JoinRoom(ctx context.Context, code string, player domain.Player) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "player_id": player.ID})

	room, err := s.mutate(ctx, code, func(r *domain.Room) error {
		r.UpsertPlayer(player)
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			logCtx.Warn("Join failed: room not found")
			return nil, ErrRoomNotFound
		}
		logCtx.WithError(err).Error("Join failed")
		return nil, s.mapCreateError(err)
	}
	s.fan.BroadcastMessage(fanout.Message{Type: fanout.TypePlayerJoined, RoomCode: code, PlayerID: player.ID})
	logCtx.Info("Player joined room")
	return room, nil
}

// LeaveRoom 把玩家移出房间。最后一名玩家离开时房间随即删除；
// 离开者是主持人时，主持人让位给剩余列表中的第一名玩家。
// 房间已不存在时静默 no-op。
func (s *RoomService) LeaveRoom(ctx context.Context, code, playerID string) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "player_id": playerID})

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		room, err := s.store.Get(ctx, code)
		if err != nil {
			if !errors.Is(err, repository.ErrRoomNotFound) {
				logCtx.WithError(err).Warn("Leave: failed to read room, skipping")
			}
			return
		}
		if !room.RemovePlayer(playerID) {
			return // 玩家本来就不在房间里
		}

		if len(room.Players) == 0 {
			if err := s.store.Delete(ctx, code); err != nil {
				logCtx.WithError(err).Warn("Leave: failed to delete empty room")
				return
			}
			s.fan.BroadcastMessage(fanout.Message{Type: fanout.TypePlayerLeft, RoomCode: code, PlayerID: playerID})
			s.fan.Broadcast(fanout.TypeRoomDeleted, code)
			logCtx.Info("Last player left, room deleted")
			return
		}

		// 主持人离开：第一名剩余玩家接任
		if room.IsHost(playerID) {
			room.Host = room.Players[0].ID
		}
		room.Version++
		room.Touch(domain.NowMillis())

		err = s.store.Set(ctx, room)
		if err == nil {
			s.fan.BroadcastMessage(fanout.Message{Type: fanout.TypePlayerLeft, RoomCode: code, PlayerID: playerID})
			logCtx.Info("Player left room")
			return
		}
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		logCtx.WithError(err).Warn("Leave: write failed, skipping")
		return
	}
	logCtx.Warn("Leave: gave up after repeated version conflicts")
}

// StartGame 进入游戏状态：设置 currentGame / gameStartTime，
// 并把每名玩家的本局分数清零。房间不存在时 no-op。
func (s *RoomService) StartGame(ctx context.Context, code, gameID string) error {
	if !domain.ValidGameID(gameID) {
		return ErrInvalidGame
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "game_id": gameID})

	_, err := s.mutate(ctx, code, func(r *domain.Room) error {
		r.CurrentGame = gameID
		r.GameState = domain.GameStatePlaying
		r.GameStartTime = domain.NowMillis()
		for i := range r.Players {
			r.Players[i].CurrentScore = 0
			r.Players[i].CurrentGame = gameID
		}
		return nil
	})
	if err != nil {
		s.logSwallowed(logCtx, "StartGame", err)
		return nil
	}
	s.fan.BroadcastMessage(fanout.Message{Type: fanout.TypeGameStarted, RoomCode: code, GameID: gameID})
	logCtx.Info("Game started")
	return nil
}

// UpdatePlayerScore 覆写玩家的本局分数（绝对值，不是增量）。
// 房间或玩家不存在时 no-op。
func (s *RoomService) UpdatePlayerScore(ctx context.Context, code, playerID string, score int, gameID string) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": code, "player_id": playerID, "score": score})

	_, err := s.mutate(ctx, code, func(r *domain.Room) error {
		p := r.FindPlayer(playerID)
		if p == nil {
			return errSkipWrite
		}
		p.CurrentScore = score
		p.CurrentGame = gameID
		p.LastScoreUpdate = domain.NowMillis()
		return nil
	})
	if err != nil {
		s.logSwallowed(logCtx, "UpdatePlayerScore", err)
		return
	}
	s.fan.BroadcastMessage(fanout.Message{Type: fanout.TypeScoreUpdate, RoomCode: code, PlayerID: playerID, GameID: gameID})
}

// FinalizeGameScores 结算：每名玩家 totalScore += currentScore，
// 然后清零本局分数。没有新的分数写入时重复调用只会加 0，
// 结算因此是幂等可加的。房间不存在时 no-op。
func (s *RoomService) FinalizeGameScores(ctx context.Context, code string) {
	logCtx := logrus.WithField("room_code", code)

	_, err := s.mutate(ctx, code, func(r *domain.Room) error {
		for i := range r.Players {
			r.Players[i].TotalScore += r.Players[i].CurrentScore
			r.Players[i].CurrentScore = 0
			r.Players[i].CurrentGame = ""
		}
		return nil
	})
	if err != nil {
		s.logSwallowed(logCtx, "FinalizeGameScores", err)
		return
	}
	s.fan.Broadcast(fanout.TypeGameFinalized, code)
	logCtx.Info("Game scores finalized")
}

// EndGame 把房间带回大厅状态（gameState=lobby, currentGame=空）。
// 房间不存在时 no-op。
func (s *RoomService) EndGame(ctx context.Context, code string) {
	logCtx := logrus.WithField("room_code", code)

	_, err := s.mutate(ctx, code, func(r *domain.Room) error {
		r.GameState = domain.GameStateLobby
		r.CurrentGame = ""
		return nil
	})
	if err != nil {
		s.logSwallowed(logCtx, "EndGame", err)
		return
	}
	s.fan.Broadcast(fanout.TypeGameEnded, code)
	logCtx.Info("Game ended, room back to lobby")
}

// RoomStateUpdate 是 UpdateRoomState 的部分更新载荷，nil 字段不变。
type RoomStateUpdate struct {
	GameState   *domain.GameState
	CurrentGame *string
}

// UpdateRoomState 合并给定字段到房间文档。房间不存在时 no-op。
func (s *RoomService) UpdateRoomState(ctx context.Context, code string, updates RoomStateUpdate) {
	logCtx := logrus.WithField("room_code", code)

	_, err := s.mutate(ctx, code, func(r *domain.Room) error {
		if updates.GameState != nil {
			r.GameState = *updates.GameState
		}
		if updates.CurrentGame != nil {
			r.CurrentGame = *updates.CurrentGame
		}
		return nil
	})
	if err != nil {
		s.logSwallowed(logCtx, "UpdateRoomState", err)
		return
	}
	s.fan.Broadcast(fanout.TypeRoomUpdated, code)
}

// UpdatePlayerActivity 记录玩家心跳：刷新玩家和房间的 lastActivity。
// 不发扇出提示——心跳本身不值得让所有订阅者 refresh。
// 房间或玩家不存在时 no-op。
func (s *RoomService) UpdatePlayerActivity(ctx context.Context, code, playerID string) {
	_, err := s.mutate(ctx, code, func(r *domain.Room) error {
		p := r.FindPlayer(playerID)
		if p == nil {
			return errSkipWrite
		}
		p.LastActivity = domain.NowMillis()
		return nil
	})
	if err != nil {
		s.logSwallowed(logrus.WithFields(logrus.Fields{"room_code": code, "player_id": playerID}), "UpdatePlayerActivity", err)
	}
}

// GetRoom 读取房间当前状态。
func (s *RoomService) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	room, err := s.store.Get(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		// 刷新路径上的读取失败按"房间未找到"处理，下一次轮询/心跳会自愈
		logrus.WithField("room_code", code).WithError(err).Warn("GetRoom: store read failed, treating as not found")
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// GetActiveRooms 返回所有未过期且仍有玩家的房间，供大厅发现。
func (s *RoomService) GetActiveRooms(ctx context.Context) ([]domain.Room, error) {
	rooms, err := s.store.ListAll(ctx)
	if err != nil {
		logrus.WithError(err).Error("GetActiveRooms: store list failed")
		return nil, ErrInternalServer
	}
	return rooms, nil
}

// --- 私有辅助函数 ---

// mutate 执行一次带 CAS 重试的读-改-写。
// fn 返回 errSkipWrite 时不产生写入，返回读取到的房间。
// 每次成功写入都会递增版本号并刷新 lastActivity。
func (s *RoomService) mutate(ctx context.Context, code string, fn func(*domain.Room) error) (*domain.Room, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		room, err := s.store.Get(ctx, code)
		if err != nil {
			return nil, err
		}
		if err := fn(room); err != nil {
			if errors.Is(err, errSkipWrite) {
				return room, err
			}
			return nil, err
		}
		room.Version++
		room.Touch(domain.NowMillis())

		err = s.store.Set(ctx, room)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		// 版本冲突：用最新状态重跑整个变更
	}
	return nil, repository.ErrVersionConflict
}

// generateUniqueRoomCode 生成未被占用的 6 位房间码。
func (s *RoomService) generateUniqueRoomCode(ctx context.Context) (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const maxAttempts = 10

	b := make([]byte, domain.CodeLength)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range b {
			b[i] = letters[int(b[i])%len(letters)]
		}
		code := string(b)

		_, err := s.store.Get(ctx, code)
		if errors.Is(err, repository.ErrRoomNotFound) {
			logrus.WithField("room_code", code).Debugf("Generated unique room code after %d attempt(s)", attempt+1)
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("store error checking room code: %w", err)
		}
		// code 已被占用，重试
		logrus.WithField("room_code", code).Warnf("Generated room code already exists, retrying (attempt %d)...", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique room code after %d attempts", maxAttempts)
}

// logSwallowed 记录被吞掉的写失败：
// 房间不存在是正常的 no-op，其余错误只记日志，等下一次心跳/轮询自愈。
func (s *RoomService) logSwallowed(logCtx *logrus.Entry, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrRoomNotFound), errors.Is(err, errSkipWrite):
		// 正常 no-op
	default:
		logCtx.WithError(err).Warnf("%s: store write failed, operation skipped", op)
	}
}

// mapCreateError 把存储错误映射为对用户可见的创建/加入错误。
func (s *RoomService) mapCreateError(err error) error {
	if errors.Is(err, repository.ErrBackendUnavailable) {
		return ErrBackendUnavailable
	}
	return ErrInternalServer
}
