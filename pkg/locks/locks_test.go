package locks_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/locks"
)

func exerciseExclusion(t *testing.T, locker locks.Locker) {
	t.Helper()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
		total   atomic.Int32
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock, err := locker.Lock(context.Background(), "conv-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}

			total.Add(1)

			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(10), total.Load())
}

func TestKeyedMutex(t *testing.T) {
	t.Run("serializes one key", func(t *testing.T) {
		exerciseExclusion(t, locks.NewKeyedMutex())
	})

	t.Run("independent keys do not block", func(t *testing.T) {
		mutex := locks.NewKeyedMutex()

		unlockA, err := mutex.Lock(context.Background(), "a")
		require.NoError(t, err)
		defer unlockA()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		unlockB, err := mutex.Lock(ctx, "b")
		require.NoError(t, err)
		unlockB()
	})

	t.Run("context cancels the wait", func(t *testing.T) {
		mutex := locks.NewKeyedMutex()

		unlock, err := mutex.Lock(context.Background(), "a")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = mutex.Lock(ctx, "a")
		require.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlock()
		assert.Equal(t, 0, mutex.Len())
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := locks.NewKeyedMutex().Lock(context.Background(), "")
		require.ErrorIs(t, err, locks.ErrEmptyKey)
	})
}

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return client, srv
}

func TestRedisLocker(t *testing.T) {
	t.Run("serializes one key", func(t *testing.T) {
		client, _ := newRedisClient(t)
		exerciseExclusion(t, locks.NewRedisLocker(client, locks.WithRetryDelay(time.Millisecond)))
	})

	t.Run("release only deletes own lease", func(t *testing.T) {
		client, srv := newRedisClient(t)
		locker := locks.NewRedisLocker(client, locks.WithTTL(time.Second))

		unlock, err := locker.Lock(context.Background(), "conv-1")
		require.NoError(t, err)

		srv.FastForward(2 * time.Second)

		other, err := locker.Lock(context.Background(), "conv-1")
		require.NoError(t, err)

		unlock()
		assert.True(t, srv.Exists("nexia:lock:conv-1"))

		other()
		assert.False(t, srv.Exists("nexia:lock:conv-1"))
	})

	t.Run("context cancels the wait", func(t *testing.T) {
		client, _ := newRedisClient(t)
		locker := locks.NewRedisLocker(client)

		unlock, err := locker.Lock(context.Background(), "conv-1")
		require.NoError(t, err)
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err = locker.Lock(ctx, "conv-1")
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("lease expires", func(t *testing.T) {
		client, srv := newRedisClient(t)
		locker := locks.NewRedisLocker(client, locks.WithTTL(time.Second))

		_, err := locker.Lock(context.Background(), "conv-2")
		require.NoError(t, err)

		assert.Equal(t, time.Second, srv.TTL("nexia:lock:conv-2"))
	})
}
