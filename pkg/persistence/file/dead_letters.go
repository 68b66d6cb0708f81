package file

import (
	"context"
	"time"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

// DeadLetterRepository handles dead letter file operations.
type DeadLetterRepository struct {
	store *Persistence
}

func (r *DeadLetterRepository) Add(_ context.Context, letter *models.DeadLetter) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.write(deadLettersDir, letter.ID, letter)
}

func (r *DeadLetterRepository) Get(_ context.Context, id string) (*models.DeadLetter, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.get(id)
}

func (r *DeadLetterRepository) get(id string) (*models.DeadLetter, error) {
	var letter models.DeadLetter

	found, err := r.store.read(deadLettersDir, id, &letter)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrDeadLetterNotFound
	}

	return &letter, nil
}

func (r *DeadLetterRepository) List(_ context.Context, status models.DeadLetterStatus) ([]*models.DeadLetter, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	ids, err := r.store.ids(deadLettersDir)
	if err != nil {
		return nil, err
	}

	letters := make([]*models.DeadLetter, 0, len(ids))

	for _, id := range ids {
		letter, err := r.get(id)
		if err != nil {
			return nil, err
		}

		if status == "" || letter.Status == status {
			letters = append(letters, letter)
		}
	}

	persistence.SortDeadLetters(letters)

	return letters, nil
}

func (r *DeadLetterRepository) MarkReplayed(_ context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	letter, err := r.get(id)
	if err != nil {
		return err
	}

	replayedAt := at.UTC()
	letter.Status = models.DeadLetterReplayed
	letter.ReplayedAt = &replayedAt

	return r.store.write(deadLettersDir, id, letter)
}
