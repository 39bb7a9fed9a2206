package redisroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	// 导入 Redis 客户端库
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/repository"
)

// RoomStore 是 repository.RoomStore 的 Redis 实现（远端后端）。
// 每个房间是 <prefix>room:<CODE> 下的一个完整 JSON 文档；
// 每次成功写入都会向 <prefix>room:<CODE>:events 频道发布最新状态，
// 供 Feed 的订阅方实时接收（见 feed.go）。
type RoomStore struct {
	client *redis.Client
	// Redis key 前缀，方便多应用共用一个实例
	keyPrefix string
}

var _ repository.RoomStore = (*RoomStore)(nil)

// NewRoomStore 创建 RoomStore 实例。
func NewRoomStore(client *redis.Client, keyPrefix string) *RoomStore {
	if client == nil {
		panic("redis client cannot be nil for RoomStore")
	}
	if keyPrefix == "" {
		keyPrefix = "arcade:" // 默认前缀
	}
	return &RoomStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// --- Key Generation Helpers ---

func (s *RoomStore) roomKey(code string) string {
	return fmt.Sprintf("%sroom:%s", s.keyPrefix, code)
}

func (s *RoomStore) roomEventsChannel(code string) string {
	return fmt.Sprintf("%sroom:%s:events", s.keyPrefix, code)
}

func (s *RoomStore) roomKeyPattern() string {
	return s.keyPrefix + "room:??????" // 房间码固定 6 位，不会匹配到 events 频道等其他 key
}

// feedPayload 是发布到 events 频道的消息体。
type feedPayload struct {
	Gone bool         `json:"gone,omitempty"`
	Room *domain.Room `json:"room,omitempty"`
}

// Get 读取指定房间的完整文档。
// 不做过期过滤：与源系统一致，过期文档在 ListAll 时被过滤、由后台任务清理。
func (s *RoomStore) Get(ctx context.Context, code string) (*domain.Room, error) {
	key := s.roomKey(code)
	data, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: failed to get room %s: %v", repository.ErrBackendUnavailable, code, err)
	}
	var room domain.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("redis: failed to unmarshal room %s from %s: %w", code, key, err)
	}
	return &room, nil
}

// Set 以乐观并发方式写入整个房间文档。
// 通过 WATCH 事务校验存储中的版本号恰好是 room.Version-1；
// 不匹配（包括事务期间 key 被并发修改）时返回 ErrVersionConflict。
// 写入成功后在同一事务中向 events 频道发布最新状态。
func (s *RoomStore) Set(ctx context.Context, room *domain.Room) error {
	if room == nil {
		return fmt.Errorf("redis: cannot set nil room")
	}
	key := s.roomKey(room.Code)

	payload, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal room %s: %w", room.Code, err)
	}
	eventBytes, err := json.Marshal(feedPayload{Room: room})
	if err != nil {
		return fmt.Errorf("redis: failed to marshal feed payload for room %s: %w", room.Code, err)
	}

	txn := func(tx *redis.Tx) error {
		// 读取当前版本并与期望值比对
		current, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			// key 不存在：只允许写入初始版本
			if room.Version != 1 {
				return repository.ErrVersionConflict
			}
		case err != nil:
			return err
		default:
			var stored domain.Room
			if err := json.Unmarshal([]byte(current), &stored); err != nil {
				return fmt.Errorf("redis: failed to unmarshal stored room %s: %w", room.Code, err)
			}
			if stored.Version != room.Version-1 {
				return repository.ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, s.roomEventsChannel(room.Code), eventBytes)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txn, key)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return repository.ErrVersionConflict
		}
		if errors.Is(err, redis.TxFailedErr) {
			// WATCH 的 key 在事务提交前被其他写入者修改
			return repository.ErrVersionConflict
		}
		logrus.WithFields(logrus.Fields{
			"room_code": room.Code,
			"version":   room.Version,
		}).WithError(err).Error("Redis Set failed")
		return fmt.Errorf("%w: failed to set room %s: %v", repository.ErrBackendUnavailable, room.Code, err)
	}
	return nil
}

// Delete 删除房间文档并向订阅方发布"房间已消失"事件。
func (s *RoomStore) Delete(ctx context.Context, code string) error {
	eventBytes, err := json.Marshal(feedPayload{Gone: true})
	if err != nil {
		return fmt.Errorf("redis: failed to marshal gone payload for room %s: %w", code, err)
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.roomKey(code))
	pipe.Publish(ctx, s.roomEventsChannel(code), eventBytes)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: failed to delete room %s: %v", repository.ErrBackendUnavailable, code, err)
	}
	return nil
}

// ListAll 扫描所有房间文档并在读取侧过滤：
// 过期的、或已无玩家的房间不会出现在结果里，但文档本身保持原样，
// 实际清理由后台 sweep 任务负责（见 ListExpired）。
func (s *RoomStore) ListAll(ctx context.Context) ([]domain.Room, error) {
	rooms, err := s.scanRooms(ctx)
	if err != nil {
		return nil, err
	}
	now := domain.NowMillis()
	active := make([]domain.Room, 0, len(rooms))
	for _, room := range rooms {
		if !room.Expired(now) && len(room.Players) > 0 {
			active = append(active, room)
		}
	}
	return active, nil
}

// ListExpired 返回所有已过期的房间，供后台 sweep 任务删除。
func (s *RoomStore) ListExpired(ctx context.Context) ([]domain.Room, error) {
	rooms, err := s.scanRooms(ctx)
	if err != nil {
		return nil, err
	}
	now := domain.NowMillis()
	expired := make([]domain.Room, 0)
	for _, room := range rooms {
		if room.Expired(now) {
			expired = append(expired, room)
		}
	}
	return expired, nil
}

// scanRooms 用 SCAN 游标遍历全部房间 key 并反序列化。
// 单个坏文档只记日志跳过，不让整个列表失败。
func (s *RoomStore) scanRooms(ctx context.Context) ([]domain.Room, error) {
	var (
		rooms  []domain.Room
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.roomKeyPattern(), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan rooms: %v", repository.ErrBackendUnavailable, err)
		}
		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: failed to mget rooms: %v", repository.ErrBackendUnavailable, err)
			}
			for i, v := range values {
				str, ok := v.(string)
				if !ok {
					continue // key 在 SCAN 和 MGET 之间被删除
				}
				var room domain.Room
				if err := json.Unmarshal([]byte(str), &room); err != nil {
					logrus.WithField("key", keys[i]).WithError(err).Warn("Redis: skipping unparsable room document")
					continue
				}
				rooms = append(rooms, room)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return rooms, nil
}
