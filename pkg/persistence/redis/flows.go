package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

func flowKey(id string) string { return keyPrefix + "flow:" + id }

func orgFlowsKey(orgID string) string { return keyPrefix + "org:" + orgID + ":flows" }

func activeFlowKey(orgID string) string { return keyPrefix + "org:" + orgID + ":active_flow" }

func flowVersionsKey(orgID, name string) string {
	return keyPrefix + "org:" + orgID + ":flow_versions:" + name
}

// FlowRepository stores flows under flow:{id}. Each organization keeps a
// sorted set of its flows, a hash of version -> id per flow name and a
// pointer to its active flow.
type FlowRepository struct {
	client redis.UniversalClient
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	versionsKey := flowVersionsKey(flow.OrgID, flow.Name)
	activeKey := activeFlowKey(flow.OrgID)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		if flow.Version == 0 {
			latest, err := latestVersion(ctx, tx, versionsKey)
			if err != nil {
				return err
			}

			flow.Version = latest + 1
		}

		var previous *models.Flow

		if flow.Status == models.FlowStatusActive {
			activeID, err := tx.Get(ctx, activeKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			if activeID != "" && activeID != flow.ID {
				var other models.Flow

				found, err := getJSON(ctx, tx, flowKey(activeID), &other)
				if err != nil {
					return err
				}

				if found {
					other.Status = models.FlowStatusInactive
					previous = &other
				}
			}
		}

		data, err := json.Marshal(flow)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, flowKey(flow.ID), data, 0)
			pipe.ZAdd(ctx, orgFlowsKey(flow.OrgID), redis.Z{Score: float64(flow.CreatedAt.UnixMilli()), Member: flow.ID})
			pipe.HSet(ctx, versionsKey, strconv.Itoa(flow.Version), flow.ID)

			if previous != nil {
				previousData, err := json.Marshal(previous)
				if err != nil {
					return err
				}

				pipe.Set(ctx, flowKey(previous.ID), previousData, 0)
			}

			if flow.Status == models.FlowStatusActive {
				pipe.Set(ctx, activeKey, flow.ID, 0)
			}

			return nil
		})

		return err
	}, versionsKey, activeKey)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return persistence.NewFlowError("Save", flow.ID, fmt.Errorf("concurrent flow update: %w", err))
		}

		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

func latestVersion(ctx context.Context, tx *redis.Tx, versionsKey string) (int, error) {
	versions, err := tx.HKeys(ctx, versionsKey).Result()
	if err != nil {
		return 0, err
	}

	latest := 0

	for _, raw := range versions {
		v, err := strconv.Atoi(raw)
		if err == nil && v > latest {
			latest = v
		}
	}

	return latest, nil
}

func (r *FlowRepository) Get(ctx context.Context, id string) (*models.Flow, error) {
	var flow models.Flow

	found, err := getJSON(ctx, r.client, flowKey(id), &flow)
	if err != nil {
		return nil, persistence.NewFlowError("Get", id, err)
	}

	if !found {
		return nil, persistence.NewFlowError("Get", id, persistence.ErrFlowNotFound)
	}

	return &flow, nil
}

func (r *FlowRepository) Version(ctx context.Context, orgID, name string, version int) (*models.Flow, error) {
	id, err := r.client.HGet(ctx, flowVersionsKey(orgID, name), strconv.Itoa(version)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, err
	}

	return r.Get(ctx, id)
}

func (r *FlowRepository) Active(ctx context.Context, orgID string) (*models.Flow, error) {
	id, err := r.client.Get(ctx, activeFlowKey(orgID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, err
	}

	return r.Get(ctx, id)
}

func (r *FlowRepository) List(ctx context.Context, orgID string) ([]*models.Flow, error) {
	ids, err := r.client.ZRevRange(ctx, orgFlowsKey(orgID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, flowKey(id))
	}

	flows, err := mgetJSON[models.Flow](ctx, r.client, keys)
	if err != nil {
		return nil, err
	}

	persistence.SortFlows(flows)

	return flows, nil
}
