package locks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/log"
)

const (
	defaultLeaseTTL   = 30 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
)

// releaseScript deletes the lock only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based distributed Locker. A lease that outlives its
// TTL is lost, so the TTL must exceed the longest critical section.
type RedisLocker struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
}

type RedisOption func(*RedisLocker)

func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

func WithRetryDelay(delay time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:     client,
		prefix:     "nexia:lock:",
		ttl:        defaultLeaseTTL,
		retryDelay: defaultRetryDelay,
		logger:     log.WithModule("locks"),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Lock polls SET NX PX until the lease is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	lockKey := l.prefix + key
	token := uuid.NewString()

	for {
		acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}

		if acquired {
			break
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false

	return func() {
		if released {
			return
		}

		released = true

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
		if err != nil {
			l.logger.WarnContext(ctx, "failed to release lock", "key", key, "error", err)
		}
	}, nil
}
