package file

import (
	"context"
	"time"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

type conversationHead struct {
	RunID string `json:"run_id"`
}

// RunRepository handles conversation run file operations.
type RunRepository struct {
	store *Persistence
}

func (r *RunRepository) Load(_ context.Context, conversationID string) (*models.ConversationRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.current(conversationID)
	if err != nil {
		return nil, persistence.NewRunError("Load", conversationID, "", err)
	}

	return run, nil
}

func (r *RunRepository) Get(_ context.Context, runID string) (*models.ConversationRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	run, err := r.get(runID)
	if err != nil {
		return nil, persistence.NewRunError("Get", "", runID, err)
	}

	return run, nil
}

func (r *RunRepository) Save(_ context.Context, run *models.ConversationRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if run.Version == 0 {
		err := r.insert(run)
		if err != nil {
			return persistence.NewRunError("Save", run.ConversationID, run.ID, err)
		}

		return nil
	}

	stored, err := r.get(run.ID)
	if err != nil {
		return persistence.NewRunError("Save", run.ConversationID, run.ID, err)
	}

	if stored.Version != run.Version {
		return persistence.NewRunError("Save", run.ConversationID, run.ID, persistence.ErrRunConflict)
	}

	return r.put(run)
}

func (r *RunRepository) insert(run *models.ConversationRun) error {
	var existing models.ConversationRun

	found, err := r.store.read(runsDir, run.ID, &existing)
	if err != nil {
		return err
	}

	if found {
		return persistence.ErrRunConflict
	}

	current, err := r.current(run.ConversationID)
	if err != nil && !persistence.IsRunNotFound(err) {
		return err
	}

	if current != nil && !current.Status.Terminal() {
		return persistence.ErrRunConflict
	}

	err = r.put(run)
	if err != nil {
		return err
	}

	return r.store.write(headsDir, run.ConversationID, conversationHead{RunID: run.ID})
}

func (r *RunRepository) put(run *models.ConversationRun) error {
	next := run.Clone()
	next.Version = run.Version + 1
	next.UpdatedAt = time.Now().UTC()

	err := r.store.write(runsDir, next.ID, next)
	if err != nil {
		return err
	}

	run.Version = next.Version
	run.UpdatedAt = next.UpdatedAt

	return nil
}

func (r *RunRepository) current(conversationID string) (*models.ConversationRun, error) {
	var head conversationHead

	found, err := r.store.read(headsDir, conversationID, &head)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrRunNotFound
	}

	return r.get(head.RunID)
}

func (r *RunRepository) get(runID string) (*models.ConversationRun, error) {
	var run models.ConversationRun

	found, err := r.store.read(runsDir, runID, &run)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrRunNotFound
	}

	return &run, nil
}

func (r *RunRepository) ListDue(_ context.Context, before time.Time, limit int) ([]*models.ConversationRun, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	ids, err := r.store.ids(runsDir)
	if err != nil {
		return nil, err
	}

	due := make([]*models.ConversationRun, 0)

	for _, id := range ids {
		run, err := r.get(id)
		if err != nil {
			return nil, err
		}

		if run.Status.Terminal() || run.WaitDeadline == nil || run.WaitDeadline.After(before) {
			continue
		}

		due = append(due, run)
	}

	persistence.SortDue(due)

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *RunRepository) MarkMessageProcessed(_ context.Context, conversationID, messageID string, window time.Duration) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	seen := map[string]time.Time{}

	_, err := r.store.read(processedDir, conversationID, &seen)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()

	for id, expires := range seen {
		if !expires.After(now) {
			delete(seen, id)
		}
	}

	if _, ok := seen[messageID]; ok {
		return false, nil
	}

	seen[messageID] = now.Add(window)

	err = r.store.write(processedDir, conversationID, seen)
	if err != nil {
		return false, err
	}

	return true, nil
}

func (r *RunRepository) ForgetMessage(_ context.Context, conversationID, messageID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	seen := map[string]time.Time{}

	found, err := r.store.read(processedDir, conversationID, &seen)
	if err != nil {
		return persistence.NewRunError("ForgetMessage", conversationID, "", err)
	}

	if _, ok := seen[messageID]; !found || !ok {
		return nil
	}

	delete(seen, messageID)

	err = r.store.write(processedDir, conversationID, seen)
	if err != nil {
		return persistence.NewRunError("ForgetMessage", conversationID, "", err)
	}

	return nil
}
