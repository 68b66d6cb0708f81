package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

const dueRunsKey = keyPrefix + "runs:due"

func runKey(id string) string { return keyPrefix + "run:" + id }

func conversationKey(conversationID string) string { return keyPrefix + "conversation:" + conversationID }

func processedKey(conversationID, messageID string) string {
	return keyPrefix + "processed:" + conversationID + ":" + messageID
}

// RunRepository stores runs under run:{id} with the conversation's current
// run id at conversation:{id}. Runs with a pending deadline are indexed in a
// sorted set scored by the deadline.
type RunRepository struct {
	client redis.UniversalClient
}

func (r *RunRepository) Load(ctx context.Context, conversationID string) (*models.ConversationRun, error) {
	runID, err := r.client.Get(ctx, conversationKey(conversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewRunError("Load", conversationID, "", persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("Load", conversationID, "", err)
	}

	run, err := r.get(ctx, r.client, runID)
	if err != nil {
		return nil, persistence.NewRunError("Load", conversationID, runID, err)
	}

	return run, nil
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*models.ConversationRun, error) {
	run, err := r.get(ctx, r.client, runID)
	if err != nil {
		return nil, persistence.NewRunError("Get", "", runID, err)
	}

	return run, nil
}

func (r *RunRepository) get(ctx context.Context, cmd reader, runID string) (*models.ConversationRun, error) {
	var run models.ConversationRun

	found, err := getJSON(ctx, cmd, runKey(runID), &run)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrRunNotFound
	}

	return &run, nil
}

// Save watches the run and the conversation pointer so that a concurrent
// writer aborts the transaction, which is reported as ErrRunConflict.
func (r *RunRepository) Save(ctx context.Context, run *models.ConversationRun) error {
	headKey := conversationKey(run.ConversationID)

	next := run.Clone()
	next.Version = run.Version + 1
	next.UpdatedAt = time.Now().UTC()

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		err := r.check(ctx, tx, run)
		if err != nil {
			return err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, runKey(next.ID), data, 0)

			if run.Version == 0 {
				pipe.Set(ctx, headKey, next.ID, 0)
			}

			if next.WaitDeadline != nil && !next.Status.Terminal() {
				pipe.ZAdd(ctx, dueRunsKey, redis.Z{Score: float64(next.WaitDeadline.UnixMilli()), Member: next.ID})
			} else {
				pipe.ZRem(ctx, dueRunsKey, next.ID)
			}

			return nil
		})

		return err
	}, runKey(run.ID), headKey)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			err = persistence.ErrRunConflict
		}

		return persistence.NewRunError("Save", run.ConversationID, run.ID, err)
	}

	run.Version = next.Version
	run.UpdatedAt = next.UpdatedAt

	return nil
}

// check verifies the compare-and-swap preconditions inside the watch.
func (r *RunRepository) check(ctx context.Context, tx *redis.Tx, run *models.ConversationRun) error {
	if run.Version != 0 {
		stored, err := r.get(ctx, tx, run.ID)
		if err != nil {
			return err
		}

		if stored.Version != run.Version {
			return persistence.ErrRunConflict
		}

		return nil
	}

	exists, err := tx.Exists(ctx, runKey(run.ID)).Result()
	if err != nil {
		return err
	}

	if exists > 0 {
		return persistence.ErrRunConflict
	}

	currentID, err := tx.Get(ctx, conversationKey(run.ConversationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return err
	}

	current, err := r.get(ctx, tx, currentID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil
		}

		return err
	}

	if !current.Status.Terminal() {
		return persistence.ErrRunConflict
	}

	return nil
}

func (r *RunRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ConversationRun, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(before.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, dueRunsKey, by).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, runKey(id))
	}

	loaded, err := mgetJSON[models.ConversationRun](ctx, r.client, keys)
	if err != nil {
		return nil, err
	}

	due := make([]*models.ConversationRun, 0, len(loaded))

	for _, run := range loaded {
		if run.Status.Terminal() || run.WaitDeadline == nil || run.WaitDeadline.After(before) {
			continue
		}

		due = append(due, run)
	}

	persistence.SortDue(due)

	return due, nil
}

func (r *RunRepository) MarkMessageProcessed(ctx context.Context, conversationID, messageID string, window time.Duration) (bool, error) {
	first, err := r.client.SetNX(ctx, processedKey(conversationID, messageID), 1, window).Result()
	if err != nil {
		return false, persistence.NewRunError("MarkMessageProcessed", conversationID, "", err)
	}

	return first, nil
}

func (r *RunRepository) ForgetMessage(ctx context.Context, conversationID, messageID string) error {
	err := r.client.Del(ctx, processedKey(conversationID, messageID)).Err()
	if err != nil {
		return persistence.NewRunError("ForgetMessage", conversationID, "", err)
	}

	return nil
}
