package file

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

// FlowRepository handles flow-related file operations.
type FlowRepository struct {
	store *Persistence
}

func (r *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	all, err := r.all()
	if err != nil {
		return err
	}

	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	if flow.Version == 0 {
		flow.Version = nextVersion(all, flow.OrgID, flow.Name)
	}

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	if flow.Status == models.FlowStatusActive {
		for _, other := range all {
			if other.ID == flow.ID || other.OrgID != flow.OrgID || other.Status != models.FlowStatusActive {
				continue
			}

			other.Status = models.FlowStatusInactive

			err := r.store.write(flowsDir, other.ID, other)
			if err != nil {
				return persistence.NewFlowError("Save", other.ID, err)
			}
		}
	}

	err = r.store.write(flowsDir, flow.ID, flow)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) Get(_ context.Context, id string) (*models.Flow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var flow models.Flow

	found, err := r.store.read(flowsDir, id, &flow)
	if err != nil {
		return nil, persistence.NewFlowError("Get", id, err)
	}

	if !found {
		return nil, persistence.NewFlowError("Get", id, persistence.ErrFlowNotFound)
	}

	return &flow, nil
}

func (r *FlowRepository) Version(_ context.Context, orgID, name string, version int) (*models.Flow, error) {
	return r.find(func(f *models.Flow) bool {
		return f.OrgID == orgID && f.Name == name && f.Version == version
	})
}

func (r *FlowRepository) Active(_ context.Context, orgID string) (*models.Flow, error) {
	return r.find(func(f *models.Flow) bool {
		return f.OrgID == orgID && f.Status == models.FlowStatusActive
	})
}

func (r *FlowRepository) List(_ context.Context, orgID string) ([]*models.Flow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	flows := make([]*models.Flow, 0, len(all))

	for _, flow := range all {
		if flow.OrgID == orgID {
			flows = append(flows, flow)
		}
	}

	return flows, nil
}

func (r *FlowRepository) find(match func(*models.Flow) bool) (*models.Flow, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	all, err := r.all()
	if err != nil {
		return nil, err
	}

	for _, flow := range all {
		if match(flow) {
			return flow, nil
		}
	}

	return nil, persistence.ErrFlowNotFound
}

// all loads every flow, newest first.
func (r *FlowRepository) all() ([]*models.Flow, error) {
	ids, err := r.store.ids(flowsDir)
	if err != nil {
		return nil, err
	}

	flows := make([]*models.Flow, 0, len(ids))

	for _, id := range ids {
		var flow models.Flow

		found, err := r.store.read(flowsDir, id, &flow)
		if err != nil {
			return nil, err
		}

		if found {
			flows = append(flows, &flow)
		}
	}

	persistence.SortFlows(flows)

	return flows, nil
}

func nextVersion(flows []*models.Flow, orgID, name string) int {
	latest := 0

	for _, flow := range flows {
		if flow.OrgID == orgID && flow.Name == name && flow.Version > latest {
			latest = flow.Version
		}
	}

	return latest + 1
}
