// Package fileroom 实现单机本地后端：房间表保存在进程内存中，
// 并整体序列化到一个 JSON 文件（code → Room 的映射），
// 对应浏览器端的 localStorage 存储方式。
// 本地操作是同步的，不会返回 ErrBackendUnavailable；
// 跨订阅者的可见性依赖轮询 Feed 和本地扇出通道。
package fileroom

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/repository"
)

// RoomStore 是 repository.RoomStore 的本地文件实现。
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]domain.Room
	path  string // 持久化文件路径；为空则只保留在内存中（测试用）
}

var _ repository.RoomStore = (*RoomStore)(nil)

// NewRoomStore 创建本地存储，path 指向持久化 JSON 文件。
// 文件存在时会加载其中的房间表；加载失败只记日志，从空表开始。
func NewRoomStore(path string) *RoomStore {
	s := &RoomStore{
		rooms: make(map[string]domain.Room),
		path:  path,
	}
	s.load()
	return s
}

// NewMemoryStore 创建不落盘的内存存储，供测试替换使用。
func NewMemoryStore() *RoomStore {
	return &RoomStore{rooms: make(map[string]domain.Room)}
}

func (s *RoomStore) load() {
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.WithField("path", s.path).WithError(err).Warn("Local store: failed to read data file, starting empty")
		}
		return
	}
	if err := json.Unmarshal(data, &s.rooms); err != nil {
		logrus.WithField("path", s.path).WithError(err).Warn("Local store: failed to parse data file, starting empty")
		s.rooms = make(map[string]domain.Room)
	}
}

// persist 将整张房间表写回文件。调用时必须已持有 s.mu。
// 写入失败只记日志：内存中的表仍是权威状态。
func (s *RoomStore) persist() {
	if s.path == "" {
		return
	}
	data, err := json.Marshal(s.rooms)
	if err != nil {
		logrus.WithError(err).Error("Local store: failed to marshal room table")
		return
	}
	if dir := filepath.Dir(s.path); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	// 先写临时文件再 rename，进程在写入途中崩溃也不会留下半截文件
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logrus.WithField("path", tmp).WithError(err).Error("Local store: failed to write data file")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		logrus.WithField("path", s.path).WithError(err).Error("Local store: failed to replace data file")
	}
}

// cloneRoom 返回带独立 Players 底层数组的深拷贝。
// 浅拷贝会让调用方对玩家切片的原地修改穿透进存储，
// 绕过 Set 的版本校验。
func cloneRoom(room domain.Room) domain.Room {
	players := make([]domain.Player, len(room.Players))
	copy(players, room.Players)
	room.Players = players
	return room
}

// Get 按房间码读取房间。返回的是深拷贝，调用方可以随意修改，
// 未经 Set 的修改不会进入存储。
func (s *RoomStore) Get(ctx context.Context, code string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[code]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	copied := cloneRoom(room)
	return &copied, nil
}

// Set 写入房间，校验版本号恰好递增 1（新房间为 1）。
func (s *RoomStore) Set(ctx context.Context, room *domain.Room) error {
	if room == nil {
		return errors.New("local store: cannot set nil room")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.rooms[room.Code]; ok {
		if stored.Version != room.Version-1 {
			return repository.ErrVersionConflict
		}
	} else if room.Version != 1 {
		return repository.ErrVersionConflict
	}
	// 写入同样存深拷贝：调用方随后对自己那份的修改不影响存储
	s.rooms[room.Code] = cloneRoom(*room)
	s.persist()
	return nil
}

// Delete 删除房间。房间不存在时静默成功。
func (s *RoomStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[code]; !ok {
		return nil
	}
	delete(s.rooms, code)
	s.persist()
	return nil
}

// ListAll 返回所有未过期的房间，并顺带清除已过期的条目
// （本地命名空间没有后台清理任务，读取时主动回收）。
func (s *RoomStore) ListAll(ctx context.Context) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := domain.NowMillis()
	evicted := false
	for code, room := range s.rooms {
		if room.Expired(now) {
			delete(s.rooms, code)
			evicted = true
		}
	}
	if evicted {
		s.persist()
	}

	rooms := make([]domain.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, cloneRoom(room))
	}
	return rooms, nil
}
