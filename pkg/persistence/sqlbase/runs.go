package sqlbase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

// RunRepository stores each run as a JSON document next to the columns it is
// queried by. The version column is authoritative for compare-and-swap.
type RunRepository struct {
	store *Store
}

func (r *RunRepository) Load(ctx context.Context, conversationID string) (*models.ConversationRun, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.q(`
		SELECT r.data, r.version
		FROM conversation_heads h
		JOIN conversation_runs r ON r.id = h.run_id
		WHERE h.conversation_id = ?
	`), conversationID)

	run, err := scanRun(row)
	if err != nil {
		return nil, persistence.NewRunError("Load", conversationID, "", err)
	}

	return run, nil
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*models.ConversationRun, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.q("SELECT data, version FROM conversation_runs WHERE id = ?"), runID)

	run, err := scanRun(row)
	if err != nil {
		return nil, persistence.NewRunError("Get", "", runID, err)
	}

	return run, nil
}

func (r *RunRepository) Save(ctx context.Context, run *models.ConversationRun) error {
	next := run.Clone()
	next.Version = run.Version + 1
	next.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return persistence.NewRunError("Save", run.ConversationID, run.ID, fmt.Errorf("failed to marshal run: %w", err))
	}

	if run.Version == 0 {
		err = r.store.inTx(ctx, func(tx *sql.Tx) error {
			return r.insert(ctx, tx, next, data)
		})
	} else {
		err = r.update(ctx, run.Version, next, data)
	}

	if err != nil {
		return persistence.NewRunError("Save", run.ConversationID, run.ID, err)
	}

	run.Version = next.Version
	run.UpdatedAt = next.UpdatedAt

	return nil
}

func (r *RunRepository) insert(ctx context.Context, tx *sql.Tx, run *models.ConversationRun, data []byte) error {
	var exists int

	err := tx.QueryRowContext(ctx, r.store.q("SELECT COUNT(*) FROM conversation_runs WHERE id = ?"), run.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check run id: %w", err)
	}

	if exists > 0 {
		return persistence.ErrRunConflict
	}

	var currentStatus string

	err = tx.QueryRowContext(ctx, r.store.q(`
		SELECT r.status
		FROM conversation_heads h
		JOIN conversation_runs r ON r.id = h.run_id
		WHERE h.conversation_id = ?
	`), run.ConversationID).Scan(&currentStatus)

	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to query current run: %w", err)
	case !models.RunStatus(currentStatus).Terminal():
		return persistence.ErrRunConflict
	}

	_, err = tx.ExecContext(ctx, r.store.q(`
		INSERT INTO conversation_runs (id, conversation_id, status, wait_deadline, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		run.ID, run.ConversationID, string(run.Status), nullableMillis(run.WaitDeadline), run.Version, string(data),
		millis(run.CreatedAt), millis(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.store.q(`
		INSERT INTO conversation_heads (conversation_id, run_id) VALUES (?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET run_id = EXCLUDED.run_id
	`), run.ConversationID, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update conversation head: %w", err)
	}

	return nil
}

func (r *RunRepository) update(ctx context.Context, expected int64, run *models.ConversationRun, data []byte) error {
	result, err := r.store.db.ExecContext(ctx, r.store.q(`
		UPDATE conversation_runs
		SET status = ?, wait_deadline = ?, version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`),
		string(run.Status), nullableMillis(run.WaitDeadline), run.Version, string(data), millis(run.UpdatedAt),
		run.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.ErrRunConflict
	}

	return nil
}

func (r *RunRepository) ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ConversationRun, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.store.db.QueryContext(ctx, r.store.q(`
		SELECT data, version
		FROM conversation_runs
		WHERE wait_deadline IS NOT NULL
		  AND wait_deadline <= ?
		  AND status NOT IN (?, ?)
		ORDER BY wait_deadline ASC
		LIMIT ?
	`), millis(before), string(models.RunStatusCompleted), string(models.RunStatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due runs: %w", err)
	}

	defer r.store.closeRows(ctx, rows)

	runs := make([]*models.ConversationRun, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating due runs: %w", err)
	}

	return runs, nil
}

func (r *RunRepository) MarkMessageProcessed(ctx context.Context, conversationID, messageID string, window time.Duration) (bool, error) {
	now := time.Now()

	var first bool

	err := r.store.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			r.store.q("DELETE FROM processed_messages WHERE conversation_id = ? AND message_id = ? AND expires_at <= ?"),
			conversationID, messageID, millis(now),
		)
		if err != nil {
			return fmt.Errorf("failed to expire processed message: %w", err)
		}

		result, err := tx.ExecContext(ctx, r.store.q(`
			INSERT INTO processed_messages (conversation_id, message_id, expires_at) VALUES (?, ?, ?)
			ON CONFLICT (conversation_id, message_id) DO NOTHING
		`), conversationID, messageID, millis(now.Add(window)))
		if err != nil {
			return fmt.Errorf("failed to record processed message: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}

		first = affected == 1

		return nil
	})
	if err != nil {
		return false, persistence.NewRunError("MarkMessageProcessed", conversationID, "", err)
	}

	return first, nil
}

func (r *RunRepository) ForgetMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := r.store.db.ExecContext(ctx,
		r.store.q("DELETE FROM processed_messages WHERE conversation_id = ? AND message_id = ?"),
		conversationID, messageID,
	)
	if err != nil {
		return persistence.NewRunError("ForgetMessage", conversationID, "", err)
	}

	return nil
}

func scanRun(row scanner) (*models.ConversationRun, error) {
	var (
		data    []byte
		version int64
	)

	err := row.Scan(&data, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	var run models.ConversationRun

	err = json.Unmarshal(data, &run)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	run.Version = version

	if run.Attributes == nil {
		run.Attributes = map[string]string{}
	}

	return &run, nil
}
