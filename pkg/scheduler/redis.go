package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/log"
	"github.com/nexia/flowengine/pkg/models"
)

const (
	timersKey        = "nexia:flow:timers"
	timerPayloadsKey = "nexia:flow:timers:payload"

	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultRetryDelay   = 5 * time.Second
)

// forgetScript drops a payload unless it was replaced after being claimed.
var forgetScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RedisScheduler stores timers in a sorted set scored by the due time in unix
// milliseconds, with payloads in a hash keyed by run id. Pollers on several
// processes claim a timer by removing it from the set; only the caller whose
// ZREM returns 1 fires it.
type RedisScheduler struct {
	client       redis.UniversalClient
	pollInterval time.Duration
	batchSize    int64
	retryDelay   time.Duration
	logger       *slog.Logger
}

type RedisOption func(*RedisScheduler)

func WithPollInterval(d time.Duration) RedisOption {
	return func(s *RedisScheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithRetryDelay(d time.Duration) RedisOption {
	return func(s *RedisScheduler) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

func WithBatchSize(n int) RedisOption {
	return func(s *RedisScheduler) {
		if n > 0 {
			s.batchSize = int64(n)
		}
	}
}

func NewRedisScheduler(client redis.UniversalClient, opts ...RedisOption) *RedisScheduler {
	s := &RedisScheduler{
		client:       client,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		retryDelay:   defaultRetryDelay,
		logger:       log.WithModule("scheduler"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *RedisScheduler) Schedule(ctx context.Context, timer models.Timer) error {
	payload, err := json.Marshal(timer)
	if err != nil {
		return fmt.Errorf("encode timer: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, timerPayloadsKey, timer.RunID, payload)
		pipe.ZAdd(ctx, timersKey, redis.Z{Score: float64(timer.FireAt.UnixMilli()), Member: timer.RunID})

		return nil
	})
	if err != nil {
		return fmt.Errorf("schedule timer for run %s: %w", timer.RunID, err)
	}

	return nil
}

func (s *RedisScheduler) Cancel(ctx context.Context, runID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, timersKey, runID)
		pipe.HDel(ctx, timerPayloadsKey, runID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("cancel timer for run %s: %w", runID, err)
	}

	return nil
}

func (s *RedisScheduler) Run(ctx context.Context, fire FireFunc) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		_, err := s.Poll(ctx, time.Now(), fire)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "timer poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fires the timers due at now and returns how many were delivered.
func (s *RedisScheduler) Poll(ctx context.Context, now time.Time, fire FireFunc) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, timersKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.batchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list due timers: %w", err)
	}

	fired := 0

	for _, runID := range ids {
		claimed, err := s.client.ZRem(ctx, timersKey, runID).Result()
		if err != nil {
			return fired, fmt.Errorf("claim timer for run %s: %w", runID, err)
		}

		if claimed == 0 {
			continue
		}

		payload, err := s.client.HGet(ctx, timerPayloadsKey, runID).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}

			return fired, fmt.Errorf("load timer for run %s: %w", runID, err)
		}

		var timer models.Timer

		err = json.Unmarshal([]byte(payload), &timer)
		if err != nil {
			s.logger.ErrorContext(ctx, "dropping undecodable timer", "run_id", runID, "error", err)
			s.forget(ctx, runID, payload)

			continue
		}

		err = fire(ctx, timer)
		if err != nil {
			s.logger.WarnContext(ctx, "timer delivery failed, rescheduling", "run_id", runID, "error", err)
			s.retry(ctx, runID, now)

			continue
		}

		s.forget(ctx, runID, payload)

		fired++
	}

	return fired, nil
}

// retry puts a claimed timer back unless it was rescheduled meanwhile.
func (s *RedisScheduler) retry(ctx context.Context, runID string, now time.Time) {
	err := s.client.ZAddNX(ctx, timersKey, redis.Z{
		Score:  float64(now.Add(s.retryDelay).UnixMilli()),
		Member: runID,
	}).Err()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to reschedule timer", "run_id", runID, "error", err)
	}
}

func (s *RedisScheduler) forget(ctx context.Context, runID, payload string) {
	err := forgetScript.Run(ctx, s.client, []string{timerPayloadsKey}, runID, payload).Err()
	if err != nil {
		s.logger.WarnContext(ctx, "failed to drop fired timer", "run_id", runID, "error", err)
	}
}
