// Package mocks 提供 repository 接口的 testify mock 实现，供 Service 层单元测试使用。
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/repository"
)

// RoomStore 是 repository.RoomStore 的 mock 实现。
type RoomStore struct {
	mock.Mock
}

var _ repository.RoomStore = (*RoomStore)(nil)

func (m *RoomStore) Get(ctx context.Context, code string) (*domain.Room, error) {
	args := m.Called(ctx, code)
	var room *domain.Room
	if args.Get(0) != nil {
		room = args.Get(0).(*domain.Room)
	}
	return room, args.Error(1)
}

func (m *RoomStore) Set(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomStore) Delete(ctx context.Context, code string) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *RoomStore) ListAll(ctx context.Context) ([]domain.Room, error) {
	args := m.Called(ctx)
	var rooms []domain.Room
	if args.Get(0) != nil {
		rooms = args.Get(0).([]domain.Room)
	}
	return rooms, args.Error(1)
}
