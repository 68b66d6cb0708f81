package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

const deadLettersKey = keyPrefix + "dlq:index"

func deadLetterKey(id string) string { return keyPrefix + "dlq:" + id }

func deadLetterStatusKey(status models.DeadLetterStatus) string {
	return keyPrefix + "dlq:status:" + string(status)
}

// DeadLetterRepository keeps dead letters with one index for all entries and
// one per status, scored by creation time.
type DeadLetterRepository struct {
	client redis.UniversalClient
}

func (r *DeadLetterRepository) Add(ctx context.Context, letter *models.DeadLetter) error {
	if letter.Status == "" {
		letter.Status = models.DeadLetterPending
	}

	data, err := json.Marshal(letter)
	if err != nil {
		return err
	}

	score := float64(letter.CreatedAt.UnixMilli())

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, deadLetterKey(letter.ID), data, 0)
		pipe.ZAdd(ctx, deadLettersKey, redis.Z{Score: score, Member: letter.ID})
		pipe.ZAdd(ctx, deadLetterStatusKey(letter.Status), redis.Z{Score: score, Member: letter.ID})

		return nil
	})

	return err
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	var letter models.DeadLetter

	found, err := getJSON(ctx, r.client, deadLetterKey(id), &letter)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrDeadLetterNotFound
	}

	return &letter, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, status models.DeadLetterStatus) ([]*models.DeadLetter, error) {
	index := deadLettersKey
	if status != "" {
		index = deadLetterStatusKey(status)
	}

	ids, err := r.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, deadLetterKey(id))
	}

	letters, err := mgetJSON[models.DeadLetter](ctx, r.client, keys)
	if err != nil {
		return nil, err
	}

	persistence.SortDeadLetters(letters)

	return letters, nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	key := deadLetterKey(id)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var letter models.DeadLetter

		found, err := getJSON(ctx, tx, key, &letter)
		if err != nil {
			return err
		}

		if !found {
			return persistence.ErrDeadLetterNotFound
		}

		previous := letter.Status
		replayedAt := at.UTC()
		letter.Status = models.DeadLetterReplayed
		letter.ReplayedAt = &replayedAt

		data, err := json.Marshal(&letter)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, deadLetterStatusKey(previous), id)
			pipe.ZAdd(ctx, deadLetterStatusKey(letter.Status), redis.Z{Score: float64(letter.CreatedAt.UnixMilli()), Member: id})

			return nil
		})

		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("concurrent dead letter update: %w", err)
	}

	return err
}
