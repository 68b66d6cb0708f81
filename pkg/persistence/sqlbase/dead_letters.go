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

// DeadLetterRepository handles dead letter database operations.
type DeadLetterRepository struct {
	store *Store
}

func (r *DeadLetterRepository) Add(ctx context.Context, letter *models.DeadLetter) error {
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = r.store.db.ExecContext(ctx,
		r.store.q("INSERT INTO dead_letters (id, status, data, created_at) VALUES (?, ?, ?, ?)"),
		letter.ID, string(letter.Status), string(data), millis(letter.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter %s: %w", letter.ID, err)
	}

	return nil
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (*models.DeadLetter, error) {
	row := r.store.db.QueryRowContext(ctx, r.store.q("SELECT data FROM dead_letters WHERE id = ?"), id)

	return scanDeadLetter(row)
}

func (r *DeadLetterRepository) List(ctx context.Context, status models.DeadLetterStatus) ([]*models.DeadLetter, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if status == "" {
		rows, err = r.store.db.QueryContext(ctx, "SELECT data FROM dead_letters ORDER BY created_at DESC")
	} else {
		rows, err = r.store.db.QueryContext(ctx,
			r.store.q("SELECT data FROM dead_letters WHERE status = ? ORDER BY created_at DESC"), string(status))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	defer r.store.closeRows(ctx, rows)

	letters := make([]*models.DeadLetter, 0)

	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}

		letters = append(letters, letter)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return letters, nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	return r.store.inTx(ctx, func(tx *sql.Tx) error {
		letter, err := scanDeadLetter(tx.QueryRowContext(ctx, r.store.q("SELECT data FROM dead_letters WHERE id = ?"), id))
		if err != nil {
			return err
		}

		replayedAt := at.UTC()
		letter.Status = models.DeadLetterReplayed
		letter.ReplayedAt = &replayedAt

		data, err := json.Marshal(letter)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			r.store.q("UPDATE dead_letters SET status = ?, data = ? WHERE id = ?"),
			string(letter.Status), string(data), id,
		)
		if err != nil {
			return fmt.Errorf("failed to update dead letter %s: %w", id, err)
		}

		return nil
	})
}

func scanDeadLetter(row scanner) (*models.DeadLetter, error) {
	var data []byte

	err := row.Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrDeadLetterNotFound
		}

		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}

	var letter models.DeadLetter

	err = json.Unmarshal(data, &letter)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}

	return &letter, nil
}
