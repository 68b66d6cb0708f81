// Package redis provides the Redis persistence backend. Documents are stored
// as JSON strings with sorted-set indexes; run writes use WATCH/MULTI for
// optimistic concurrency.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/persistence"
)

const keyPrefix = "nexia:"

// Persistence implements persistence.Persistence on Redis.
type Persistence struct {
	client redis.UniversalClient
	owned  bool

	flows       *FlowRepository
	runs        *RunRepository
	deadLetters *DeadLetterRepository
}

// NewPersistence connects to the Redis server at url (redis://...).
func NewPersistence(ctx context.Context, url string) (*Persistence, error) {
	opts, err := redis.ParseURL(url)
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

	p := NewPersistenceWithClient(client)
	p.owned = true

	return p, nil
}

// NewPersistenceWithClient uses an existing client, which Close leaves open.
func NewPersistenceWithClient(client redis.UniversalClient) *Persistence {
	p := &Persistence{client: client}
	p.flows = &FlowRepository{client: client}
	p.runs = &RunRepository{client: client}
	p.deadLetters = &DeadLetterRepository{client: client}

	return p
}

func (p *Persistence) Flows() persistence.FlowRepository {
	return p.flows
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runs
}

func (p *Persistence) DeadLetters() persistence.DeadLetterRepository {
	return p.deadLetters
}

// Client exposes the underlying client so the scheduler and the locker can
// share the connection pool.
func (p *Persistence) Client() redis.UniversalClient {
	return p.client
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if !p.owned {
		return nil
	}

	return p.client.Close()
}

// reader is the part of a client or a watched transaction the repositories
// read through.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

// getJSON decodes the string at key into v and reports whether it exists.
func getJSON(ctx context.Context, cmd reader, key string, v any) (bool, error) {
	data, err := cmd.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}

		return false, fmt.Errorf("get %s: %w", key, err)
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}

	return true, nil
}

// mgetJSON loads the documents at keys, skipping missing ones.
func mgetJSON[T any](ctx context.Context, cmd reader, keys []string) ([]*T, error) {
	out := make([]*T, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		var doc T

		err := json.Unmarshal([]byte(raw), &doc)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", keys[i], err)
		}

		out = append(out, &doc)
	}

	return out, nil
}
