package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/DeliverySync/internal/models"
	"github.com/BearBump/DeliverySync/internal/services/syncer"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type syncerMock struct {
	mock.Mock
}

func (m *syncerMock) Sync(ctx context.Context, req syncer.Request) (syncer.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(syncer.Result), args.Error(1)
}

type countingSettler struct {
	calls atomic.Int32
	limit atomic.Int32
	err   error
}

func (s *countingSettler) SettlePending(ctx context.Context, limit int) (int, error) {
	s.calls.Add(1)
	s.limit.Store(int32(limit))
	return 1, s.err
}

func TestSmartSyncJob_RunOnceUsesSmartMode(t *testing.T) {
	m := &syncerMock{}
	m.On("Sync", mock.Anything, syncer.Request{Mode: models.SyncModeSmart}).
		Return(syncer.Result{RunID: "r1", Errors: []models.AccountError{{AccountID: 1, Error: "boom"}}}, nil).Once()

	NewSmartSyncJob(m, "", testLogger()).RunOnce(context.Background())
	m.AssertExpectations(t)
}

func TestSmartSyncJob_ErrorIsLogged(t *testing.T) {
	m := &syncerMock{}
	m.On("Sync", mock.Anything, mock.Anything).Return(syncer.Result{}, errors.New("db down")).Once()

	require.NotPanics(t, func() { NewSmartSyncJob(m, "", testLogger()).RunOnce(context.Background()) })
	m.AssertExpectations(t)
}

func TestNewJobs_DefaultSchedules(t *testing.T) {
	require.Equal(t, DefaultSyncSchedule, NewSmartSyncJob(&syncerMock{}, "", testLogger()).spec)

	j := NewSettlementRetryJob(&countingSettler{}, "", 0, testLogger())
	require.Equal(t, DefaultSettlementRetrySchedule, j.spec)
	require.Equal(t, 50, j.batch)
}

func TestSettlementRetryJob_RunOnce(t *testing.T) {
	s := &countingSettler{err: errors.New("partial failure")}
	NewSettlementRetryJob(s, "@every 1h", 20, testLogger()).RunOnce(context.Background())
	require.Equal(t, int32(1), s.calls.Load())
	require.Equal(t, int32(20), s.limit.Load())
}

func TestJobManager_StartsAndStops(t *testing.T) {
	s := &countingSettler{}
	jm := NewJobManager(NewSettlementRetryJob(s, "@every 1s", 10, testLogger()))

	require.NoError(t, jm.StartAll())
	require.Eventually(t, func() bool { return s.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	jm.StopAll()

	after := s.calls.Load()
	time.Sleep(1200 * time.Millisecond)
	require.Equal(t, after, s.calls.Load())
}

type recordingJob struct {
	name   string
	fail   bool
	events *[]string
}

func (j recordingJob) Name() string { return j.name }

func (j recordingJob) Start() error {
	if j.fail {
		return errors.New("bad schedule")
	}
	*j.events = append(*j.events, "start "+j.name)
	return nil
}

func (j recordingJob) Stop() { *j.events = append(*j.events, "stop "+j.name) }

func TestJobManager_StartFailureStopsStarted(t *testing.T) {
	var events []string
	jm := NewJobManager(
		recordingJob{name: "a", events: &events},
		recordingJob{name: "b", events: &events},
		recordingJob{name: "c", fail: true, events: &events},
	)

	err := jm.StartAll()
	require.Error(t, err)
	require.Contains(t, err.Error(), "start c")
	require.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, events)
}

func TestScheduled_InvalidSpec(t *testing.T) {
	j := NewSmartSyncJob(&syncerMock{}, "every now and then", testLogger())
	require.Error(t, j.Start())
}
