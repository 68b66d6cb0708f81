package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/locks"
	"github.com/nexia/flowengine/pkg/scheduler"
)

// NewRedisClient connects to redisURL. An empty URL returns a nil client,
// which selects the in-process scheduler and locker.
func NewRedisClient(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	if redisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return client, nil
}

// NewScheduler returns a Redis scheduler shared by every engine replica, or
// an in-process one when client is nil.
func NewScheduler(client redis.UniversalClient) scheduler.Scheduler {
	if client == nil {
		return scheduler.NewMemoryScheduler()
	}

	return scheduler.NewRedisScheduler(client)
}

// NewLocker returns a Redis lease locker, or an in-process keyed mutex when
// client is nil.
func NewLocker(client redis.UniversalClient) locks.Locker {
	if client == nil {
		return locks.NewKeyedMutex()
	}

	return locks.NewRedisLocker(client)
}

// NewMessageSender posts to the messaging gateway at gatewayURL, or writes
// outbound messages to the bus when no gateway is configured.
func NewMessageSender(gatewayURL string, timeout time.Duration, publisher eventbus.EventPublisher) dispatcher.MessageSender {
	if gatewayURL == "" {
		return dispatcher.NewOutboxSender(publisher)
	}

	return dispatcher.NewGatewaySender(gatewayURL, timeout)
}
