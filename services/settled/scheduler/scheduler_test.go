package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"settlehub/services/settled/config"
	"settlehub/services/settled/models"
	"settlehub/services/settled/storage"
)

func TestMemoryLockerExpires(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.SetClock(func() time.Time { return now })
	ctx := context.Background()

	token, err := locker.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	blocked, err := locker.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.Empty(t, blocked)

	payout, err := locker.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, payout, "locks are per job")

	now = now.Add(2 * time.Minute)
	token, err = locker.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token, "a crashed run's lock expires")

	require.NoError(t, locker.Unlock(ctx, "batching", token))
	token, err = locker.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestMemoryLockerIgnoresStaleRelease(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.SetClock(func() time.Time { return now })
	ctx := context.Background()

	overrun, err := locker.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	next, err := locker.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.NotEqual(t, overrun, next)

	require.NoError(t, locker.Unlock(ctx, "payout", overrun))
	blocked, err := locker.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.Empty(t, blocked, "the overrunning run must not release its successor")

	require.NoError(t, locker.Unlock(ctx, "payout", next))
	token, err := locker.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

func TestDatabaseLockerSharesLeases(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	store := storage.New(db)
	ctx := context.Background()

	first := NewDatabaseLocker(store)
	second := NewDatabaseLocker(store)

	held, err := first.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, held)
	token, err := second.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.Empty(t, token)
	token, err = first.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.Empty(t, token, "a second run on the same instance is refused too")

	require.NoError(t, second.Unlock(ctx, "payout", uuid.NewString()), "foreign release is a no-op")
	token, err = second.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, first.Unlock(ctx, "payout", held))
	token, err = second.TryLock(ctx, "payout", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}

type stubRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	fail   error
}

func (s *stubRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return redis.NewBoolResult(false, s.fail)
	}
	if _, ok := s.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	s.values[key] = fmt.Sprint(value)
	s.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (s *stubRedis) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[keys[0]] == fmt.Sprint(args[0]) {
		delete(s.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerCompareAndDelete(t *testing.T) {
	client := &stubRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
	ctx := context.Background()
	first := NewRedisLocker(client, "settled:lock:")
	second := NewRedisLocker(client, "settled:lock:")

	held, err := first.TryLock(ctx, "batching", 30*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, held)
	require.Equal(t, held, client.values["settled:lock:batching"])
	require.Equal(t, 30*time.Minute, client.ttls["settled:lock:batching"])

	token, err := second.TryLock(ctx, "batching", time.Minute)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, second.Unlock(ctx, "batching", uuid.NewString()))
	require.Contains(t, client.values, "settled:lock:batching", "only the owner deletes the key")
	require.NoError(t, first.Unlock(ctx, "batching", held))
	require.NotContains(t, client.values, "settled:lock:batching")

	client.fail = errors.New("connection refused")
	_, err = first.TryLock(ctx, "batching", time.Minute)
	require.ErrorContains(t, err, "connection refused")
}

func TestNewLockerSelectsBackend(t *testing.T) {
	locker, closeFn, err := NewLocker(config.LockConfig{Backend: config.LockBackendMemory}, nil)
	require.NoError(t, err)
	require.IsType(t, &MemoryLocker{}, locker)
	require.NoError(t, closeFn())

	_, _, err = NewLocker(config.LockConfig{Backend: config.LockBackendDatabase}, nil)
	require.Error(t, err)

	_, _, err = NewLocker(config.LockConfig{Backend: "zookeeper"}, nil)
	require.Error(t, err)
}

func newScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New(NewMemoryLocker(), time.Hour, time.Minute, WithMetrics(nil))
	require.NoError(t, err)
	return s
}

func TestTriggerSkipsOverlappingRun(t *testing.T) {
	s := newScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	require.NoError(t, s.Register("payout", func(context.Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "payout") }()
	<-started

	err := s.Trigger(context.Background(), "payout")
	require.ErrorIs(t, err, ErrJobLocked)

	close(release)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, runs.Load())

	require.ErrorIs(t, s.Trigger(context.Background(), "unknown"), ErrUnknownJob)
}

func TestTickRunsPeriodicJobsOnly(t *testing.T) {
	s := newScheduler(t)
	var batching, report atomic.Int32
	require.NoError(t, s.Register("batching", func(context.Context) error {
		batching.Add(1)
		return nil
	}))
	require.NoError(t, s.Register("failing", func(context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, s.RegisterManual("report", func(context.Context) error {
		report.Add(1)
		return nil
	}))
	require.Error(t, s.Register("batching", func(context.Context) error { return nil }))

	s.Tick(context.Background())
	s.Wait()
	require.EqualValues(t, 1, batching.Load())
	require.EqualValues(t, 0, report.Load())
	require.Equal(t, []string{"batching", "failing", "report"}, s.Jobs())

	require.NoError(t, s.Trigger(context.Background(), "report"))
	require.EqualValues(t, 1, report.Load())
}

func TestPanickingJobReleasesLock(t *testing.T) {
	s := newScheduler(t)
	calls := 0
	require.NoError(t, s.Register("finalize", func(context.Context) error {
		calls++
		if calls == 1 {
			panic("nil wallet")
		}
		return nil
	}))

	err := s.Trigger(context.Background(), "finalize")
	require.ErrorContains(t, err, "panicked")
	require.NoError(t, s.Trigger(context.Background(), "finalize"))
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(NewMemoryLocker(), 10*time.Millisecond, time.Minute, WithMetrics(nil))
	require.NoError(t, err)
	var runs atomic.Int32
	require.NoError(t, s.Register("batching", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
