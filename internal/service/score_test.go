package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"arcade-multiplayer/internal/domain"
	"arcade-multiplayer/internal/repository/mocks"
	"arcade-multiplayer/internal/service"
)

func TestScoreReporter_CoalescesRapidReports(t *testing.T) {
	// Arrange: 合并窗口 40ms，三次连续上报应只落一次库
	mockStore := new(mocks.RoomStore)
	svc := newService(mockStore)
	reporter := service.NewScoreReporter(svc, 40*time.Millisecond)
	defer reporter.Close()

	room := testRoom("ABC123")
	mockStore.On("Get", mock.Anything, "ABC123").Return(room, nil).Once()
	var saved *domain.Room
	mockStore.On("Set", mock.Anything, mock.AnythingOfType("*domain.Room")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*domain.Room) }).
		Return(nil).Once()

	// Act: 快速连续上报 10 → 25 → 40
	reporter.Report("ABC123", "p1", 10, "jordnaer")
	reporter.Report("ABC123", "p1", 25, "jordnaer")
	reporter.Report("ABC123", "p1", 40, "jordnaer")

	// 等待合并窗口到点
	time.Sleep(150 * time.Millisecond)

	// Assert: 只有最后一个值被写入
	require.NotNil(t, saved, "合并窗口到点后应产生一次写入")
	p := saved.FindPlayer("p1")
	require.NotNil(t, p)
	assert.Equal(t, 40, p.CurrentScore, "写入应携带最后上报的值")
	mockStore.AssertExpectations(t)
	mockStore.AssertNumberOfCalls(t, "Set", 1)
}

func TestScoreReporter_FlushPlayerWritesImmediately(t *testing.T) {
	// Arrange: 长合并窗口，断开时 Flush 应立即落库
	mockStore := new(mocks.RoomStore)
	svc := newService(mockStore)
	reporter := service.NewScoreReporter(svc, 10*time.Second)
	defer reporter.Close()

	room := testRoom("ABC123")
	mockStore.On("Get", mock.Anything, "ABC123").Return(room, nil).Once()
	var saved *domain.Room
	mockStore.On("Set", mock.Anything, mock.AnythingOfType("*domain.Room")).
		Run(func(args mock.Arguments) { saved = args.Get(1).(*domain.Room) }).
		Return(nil).Once()

	// Act
	reporter.Report("ABC123", "p2", 77, "frihet")
	reporter.FlushPlayer("ABC123", "p2")

	// Assert: 不等待窗口，写入同步完成
	require.NotNil(t, saved)
	p := saved.FindPlayer("p2")
	require.NotNil(t, p)
	assert.Equal(t, 77, p.CurrentScore)
	mockStore.AssertExpectations(t)
}

func TestScoreReporter_IndependentPlayersDoNotCoalesce(t *testing.T) {
	// Arrange: 不同玩家的上报互不影响，各自产生一次写入
	mockStore := new(mocks.RoomStore)
	svc := newService(mockStore)
	reporter := service.NewScoreReporter(svc, 30*time.Millisecond)
	defer reporter.Close()

	mockStore.On("Get", mock.Anything, "ABC123").Return(testRoom("ABC123"), nil)
	mockStore.On("Set", mock.Anything, mock.AnythingOfType("*domain.Room")).Return(nil)

	// Act
	reporter.Report("ABC123", "p1", 5, "jordnaer")
	reporter.Report("ABC123", "p2", 9, "jordnaer")

	time.Sleep(150 * time.Millisecond)

	// Assert
	mockStore.AssertNumberOfCalls(t, "Set", 2)
}

func TestScoreReporter_CloseFlushesPending(t *testing.T) {
	// Arrange
	mockStore := new(mocks.RoomStore)
	svc := newService(mockStore)
	reporter := service.NewScoreReporter(svc, 10*time.Second)

	mockStore.On("Get", mock.Anything, "ABC123").Return(testRoom("ABC123"), nil).Once()
	mockStore.On("Set", mock.Anything, mock.AnythingOfType("*domain.Room")).Return(nil).Once()

	reporter.Report("ABC123", "p1", 33, "jordnaer")

	// Act: 关停时同步落下待写分数
	reporter.Close()

	// Assert
	mockStore.AssertExpectations(t)

	// 关停后的上报被忽略
	reporter.Report("ABC123", "p1", 99, "jordnaer")
	mockStore.AssertNumberOfCalls(t, "Set", 1)
}
