package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/scheduler"
)

type recorder struct {
	mu     sync.Mutex
	timers []models.Timer
	fail   int
}

func (r *recorder) fire(_ context.Context, timer models.Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fail > 0 {
		r.fail--

		return errors.New("bus unavailable")
	}

	r.timers = append(r.timers, timer)

	return nil
}

func (r *recorder) fired() []models.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]models.Timer(nil), r.timers...)
}

func newTimer(runID string, fireAt time.Time) models.Timer {
	return models.Timer{RunID: runID, ConversationID: "conv-" + runID, Path: "path_default", Cursor: 1, FireAt: fireAt}
}

func newRedisScheduler(t *testing.T) (*scheduler.RedisScheduler, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return scheduler.NewRedisScheduler(client, scheduler.WithRetryDelay(time.Minute)), srv
}

func TestRedisScheduler_Poll(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	t.Run("fires due timers in order", func(t *testing.T) {
		s, _ := newRedisScheduler(t)
		rec := &recorder{}

		require.NoError(t, s.Schedule(ctx, newTimer("late", now.Add(-time.Second))))
		require.NoError(t, s.Schedule(ctx, newTimer("early", now.Add(-time.Minute))))
		require.NoError(t, s.Schedule(ctx, newTimer("future", now.Add(time.Hour))))

		fired, err := s.Poll(ctx, now, rec.fire)
		require.NoError(t, err)
		assert.Equal(t, 2, fired)

		timers := rec.fired()
		require.Len(t, timers, 2)
		assert.Equal(t, "early", timers[0].RunID)
		assert.Equal(t, "late", timers[1].RunID)
		assert.Equal(t, "path_default", timers[0].Path)

		fired, err = s.Poll(ctx, now, rec.fire)
		require.NoError(t, err)
		assert.Zero(t, fired)
	})

	t.Run("schedule replaces the previous timer", func(t *testing.T) {
		s, _ := newRedisScheduler(t)
		rec := &recorder{}

		require.NoError(t, s.Schedule(ctx, newTimer("run-1", now.Add(-time.Second))))

		replacement := newTimer("run-1", now.Add(-time.Second))
		replacement.Cursor = 4
		require.NoError(t, s.Schedule(ctx, replacement))

		_, err := s.Poll(ctx, now, rec.fire)
		require.NoError(t, err)

		timers := rec.fired()
		require.Len(t, timers, 1)
		assert.Equal(t, 4, timers[0].Cursor)
	})

	t.Run("cancel removes the timer", func(t *testing.T) {
		s, srv := newRedisScheduler(t)
		rec := &recorder{}

		require.NoError(t, s.Schedule(ctx, newTimer("run-1", now.Add(-time.Second))))
		require.NoError(t, s.Cancel(ctx, "run-1"))

		fired, err := s.Poll(ctx, now, rec.fire)
		require.NoError(t, err)
		assert.Zero(t, fired)
		assert.False(t, srv.Exists("nexia:flow:timers"))
	})

	t.Run("failed delivery is retried", func(t *testing.T) {
		s, _ := newRedisScheduler(t)
		rec := &recorder{fail: 1}

		require.NoError(t, s.Schedule(ctx, newTimer("run-1", now.Add(-time.Second))))

		fired, err := s.Poll(ctx, now, rec.fire)
		require.NoError(t, err)
		assert.Zero(t, fired)

		fired, err = s.Poll(ctx, now, rec.fire)
		require.NoError(t, err)
		assert.Zero(t, fired, "retry waits for the retry delay")

		fired, err = s.Poll(ctx, now.Add(2*time.Minute), rec.fire)
		require.NoError(t, err)
		assert.Equal(t, 1, fired)
	})

	t.Run("concurrent pollers fire each timer once", func(t *testing.T) {
		s, _ := newRedisScheduler(t)
		rec := &recorder{}

		for _, id := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, s.Schedule(ctx, newTimer(id, now.Add(-time.Second))))
		}

		var wg sync.WaitGroup

		for range 4 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := s.Poll(ctx, now, rec.fire)
				assert.NoError(t, err)
			}()
		}

		wg.Wait()
		assert.Len(t, rec.fired(), 5)
	})
}

func TestRedisScheduler_Run(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	s := scheduler.NewRedisScheduler(client, scheduler.WithPollInterval(10*time.Millisecond))
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- s.Run(ctx, rec.fire) }()

	require.NoError(t, s.Schedule(ctx, newTimer("run-1", time.Now())))

	assert.Eventually(t, func() bool { return len(rec.fired()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestMemoryScheduler(t *testing.T) {
	t.Run("fires after the delay", func(t *testing.T) {
		s := scheduler.NewMemoryScheduler()
		rec := &recorder{}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() { _ = s.Run(ctx, rec.fire) }()

		require.NoError(t, s.Schedule(ctx, newTimer("run-1", time.Now().Add(20*time.Millisecond))))

		assert.Eventually(t, func() bool { return len(rec.fired()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("cancel stops the timer", func(t *testing.T) {
		s := scheduler.NewMemoryScheduler()
		rec := &recorder{}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() { _ = s.Run(ctx, rec.fire) }()

		require.NoError(t, s.Schedule(ctx, newTimer("run-1", time.Now().Add(50*time.Millisecond))))
		require.NoError(t, s.Cancel(ctx, "run-1"))

		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, rec.fired())
	})

	t.Run("timers due before run are delivered", func(t *testing.T) {
		s := scheduler.NewMemoryScheduler()
		rec := &recorder{}

		require.NoError(t, s.Schedule(context.Background(), newTimer("run-1", time.Now().Add(-time.Second))))
		assert.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() { _ = s.Run(ctx, rec.fire) }()

		assert.Eventually(t, func() bool { return len(rec.fired()) == 1 }, time.Second, 5*time.Millisecond)
	})
}
