package sqlbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

const flowColumns = `
	id
  , org_id
  , name
  , version
  , status
  , graph
  , diagnostics
  , created_at
`

// FlowRepository handles flow-related database operations.
type FlowRepository struct {
	store *Store
}

// Save inserts a new flow version or updates the status of an existing one.
func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	graph, err := json.Marshal(flow.Graph)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, fmt.Errorf("failed to marshal graph: %w", err))
	}

	diagnostics := flow.Diagnostics
	if diagnostics == nil {
		diagnostics = []models.Diagnostic{}
	}

	diagnosticsJSON, err := json.Marshal(diagnostics)
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, fmt.Errorf("failed to marshal diagnostics: %w", err))
	}

	err = r.store.inTx(ctx, func(tx *sql.Tx) error {
		if flow.Version == 0 {
			var latest int

			err := tx.QueryRowContext(ctx,
				r.store.q("SELECT COALESCE(MAX(version), 0) FROM flows WHERE org_id = ? AND name = ?"),
				flow.OrgID, flow.Name,
			).Scan(&latest)
			if err != nil {
				return fmt.Errorf("failed to query latest version: %w", err)
			}

			flow.Version = latest + 1
		}

		if flow.Status == models.FlowStatusActive {
			_, err := tx.ExecContext(ctx,
				r.store.q("UPDATE flows SET status = ? WHERE org_id = ? AND status = ? AND id <> ?"),
				string(models.FlowStatusInactive), flow.OrgID, string(models.FlowStatusActive), flow.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to deactivate previous flows: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, r.store.q(`
			INSERT INTO flows (id, org_id, name, version, status, graph, diagnostics, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status
		`),
			flow.ID, flow.OrgID, flow.Name, flow.Version, string(flow.Status), string(graph), string(diagnosticsJSON), millis(flow.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert flow: %w", err)
		}

		return nil
	})
	if err != nil {
		return persistence.NewFlowError("Save", flow.ID, err)
	}

	return nil
}

func (r *FlowRepository) Get(ctx context.Context, id string) (*models.Flow, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.q("SELECT "+flowColumns+" FROM flows WHERE id = ?"), id)

	flow, err := scanFlow(row)
	if err != nil {
		return nil, persistence.NewFlowError("Get", id, err)
	}

	return flow, nil
}

func (r *FlowRepository) Version(ctx context.Context, orgID, name string, version int) (*models.Flow, error) {
	row := r.store.db.QueryRowContext(ctx,
		r.store.q("SELECT "+flowColumns+" FROM flows WHERE org_id = ? AND name = ? AND version = ?"),
		orgID, name, version,
	)

	return scanFlow(row)
}

func (r *FlowRepository) Active(ctx context.Context, orgID string) (*models.Flow, error) {
	row := r.store.db.QueryRowContext(ctx,
		r.store.q("SELECT "+flowColumns+" FROM flows WHERE org_id = ? AND status = ? ORDER BY created_at DESC, version DESC LIMIT 1"),
		orgID, string(models.FlowStatusActive),
	)

	return scanFlow(row)
}

func (r *FlowRepository) List(ctx context.Context, orgID string) ([]*models.Flow, error) {
	rows, err := r.store.db.QueryContext(ctx,
		r.store.q("SELECT "+flowColumns+" FROM flows WHERE org_id = ? ORDER BY created_at DESC, version DESC"),
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer r.store.closeRows(ctx, rows)

	flows := make([]*models.Flow, 0)

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (*models.Flow, error) {
	var (
		flow        models.Flow
		graph       []byte
		diagnostics []byte
		createdAt   int64
	)

	err := row.Scan(&flow.ID, &flow.OrgID, &flow.Name, &flow.Version, &flow.Status, &graph, &diagnostics, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrFlowNotFound
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	err = json.Unmarshal(graph, &flow.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}

	err = json.Unmarshal(diagnostics, &flow.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
	}

	flow.CreatedAt = fromMillis(createdAt)

	return &flow, nil
}
