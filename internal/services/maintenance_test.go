package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
)

type MockInboxMaintainer struct {
	mock.Mock
}

func (m *MockInboxMaintainer) CountByStatus(ctx context.Context) (map[models.InboxStatus]int64, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[models.InboxStatus]int64)
	return counts, args.Error(1)
}

func (m *MockInboxMaintainer) PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type MockSyncErrorCounter struct {
	mock.Mock
}

func (m *MockSyncErrorCounter) CountErrors(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func TestMaintenance_RunOnce(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	inbox := new(MockInboxMaintainer)
	status := new(MockSyncErrorCounter)

	inbox.On("CountByStatus", mock.Anything).Return(map[models.InboxStatus]int64{
		models.InboxPending:   2,
		models.InboxFailed:    3,
		models.InboxProcessed: 40,
	}, nil)
	status.On("CountErrors", mock.Anything).Return(int64(4), nil)
	inbox.On("PruneProcessed", mock.Anything, now.Add(-7*24*time.Hour)).Return(int64(12), nil)

	collector := metrics.NewMetrics()
	m := NewMaintenance(inbox, status, 7*24*time.Hour, collector)
	m.now = func() time.Time { return now }

	require.NoError(t, m.RunOnce(context.Background()))

	gauges := collector.GetGauges()
	require.Equal(t, int64(2), gauges[metrics.GaugeInboxPending])
	require.Equal(t, int64(3), gauges[metrics.GaugeInboxFailed])
	require.Equal(t, int64(4), gauges[metrics.GaugeSyncErrors])

	inbox.AssertExpectations(t)
	status.AssertExpectations(t)
}

func TestMaintenance_RunOnceWithoutRetention(t *testing.T) {
	inbox := new(MockInboxMaintainer)
	status := new(MockSyncErrorCounter)
	inbox.On("CountByStatus", mock.Anything).Return(map[models.InboxStatus]int64{}, nil)
	status.On("CountErrors", mock.Anything).Return(int64(0), nil)

	m := NewMaintenance(inbox, status, 0, nil)
	require.NoError(t, m.RunOnce(context.Background()))

	inbox.AssertNotCalled(t, "PruneProcessed", mock.Anything, mock.Anything)
}

func TestMaintenance_RunOnceReportsCountFailure(t *testing.T) {
	inbox := new(MockInboxMaintainer)
	inbox.On("CountByStatus", mock.Anything).Return(nil, errBackendDown)

	m := NewMaintenance(inbox, new(MockSyncErrorCounter), time.Hour, nil)
	err := m.RunOnce(context.Background())
	require.ErrorIs(t, err, errBackendDown)
}

func TestMaintenance_StartRunsImmediately(t *testing.T) {
	inbox := new(MockInboxMaintainer)
	status := new(MockSyncErrorCounter)
	ran := make(chan struct{}, 1)
	inbox.On("CountByStatus", mock.Anything).Return(map[models.InboxStatus]int64{}, nil).Run(func(mock.Arguments) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	status.On("CountErrors", mock.Anything).Return(int64(0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewMaintenance(inbox, status, 0, nil).Start(ctx, time.Hour)
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance job did not run")
	}
	cancel()
	require.NoError(t, <-done)
}
