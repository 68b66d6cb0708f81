package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

// RunPersistenceSuite runs the behaviour every persistence backend must
// share. newPersistence must return an empty store.
func RunPersistenceSuite(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("flows", func(t *testing.T) { testFlows(t, newPersistence(t)) })
	t.Run("runs", func(t *testing.T) { testRuns(t, newPersistence(t)) })
	t.Run("run conflicts", func(t *testing.T) { testRunConflicts(t, newPersistence(t)) })
	t.Run("due runs", func(t *testing.T) { testListDue(t, newPersistence(t)) })
	t.Run("message dedup", func(t *testing.T) { testMessageDedup(t, newPersistence(t)) })
	t.Run("dead letters", func(t *testing.T) { testDeadLetters(t, newPersistence(t)) })
}

func testFlows(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	flows := store.Flows()

	_, err := flows.Active(ctx, "org-1")
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)

	first := CreateTestFlow("org-1")
	require.NoError(t, flows.Save(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Version)
	assert.False(t, first.CreatedAt.IsZero())

	second := CreateTestFlow("org-1")
	require.NoError(t, flows.Save(ctx, second))
	assert.Equal(t, 2, second.Version)

	other := CreateTestFlow("org-2", func(f *models.Flow) { f.Name = "Other" })
	require.NoError(t, flows.Save(ctx, other))
	assert.Equal(t, 1, other.Version)

	active, err := flows.Active(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, second.Graph, active.Graph)

	previous, err := flows.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FlowStatusInactive, previous.Status)

	byVersion, err := flows.Version(ctx, "org-1", "Test Flow", 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byVersion.ID)

	_, err = flows.Version(ctx, "org-1", "Test Flow", 7)
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)

	_, err = flows.Get(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrFlowNotFound)

	list, err := flows.List(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	active, err = flows.Active(ctx, "org-2")
	require.NoError(t, err)
	assert.Equal(t, other.ID, active.ID)
}

func testRuns(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	runs := store.Runs()

	_, err := runs.Load(ctx, "conv-1")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)

	run := CreateTestRun("conv-1")
	require.NoError(t, runs.Save(ctx, run))
	assert.Equal(t, int64(1), run.Version)

	loaded, err := runs.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, loaded.ID)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, models.RunStatusRunning, loaded.Status)

	loaded.Cursor = 2
	loaded.Attributes["tag"] = "vip"
	require.NoError(t, runs.Save(ctx, loaded))
	assert.Equal(t, int64(2), loaded.Version)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cursor)
	assert.Equal(t, "vip", got.Attributes["tag"])

	got.Finish(models.RunStatusCompleted, time.Now().UTC())
	require.NoError(t, runs.Save(ctx, got))

	next := CreateTestRun("conv-1")
	require.NoError(t, runs.Save(ctx, next))

	current, err := runs.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, next.ID, current.ID)

	old, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, old.Status)
	require.NotNil(t, old.FinishedAt)

	_, err = runs.Get(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func testRunConflicts(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	runs := store.Runs()

	run := CreateTestRun("conv-2")
	require.NoError(t, runs.Save(ctx, run))

	t.Run("stale version", func(t *testing.T) {
		a, err := runs.Load(ctx, "conv-2")
		require.NoError(t, err)

		b, err := runs.Load(ctx, "conv-2")
		require.NoError(t, err)

		a.Cursor = 1
		require.NoError(t, runs.Save(ctx, a))

		b.Cursor = 5
		err = runs.Save(ctx, b)
		require.ErrorIs(t, err, persistence.ErrRunConflict)

		current, err := runs.Load(ctx, "conv-2")
		require.NoError(t, err)
		assert.Equal(t, 1, current.Cursor)
	})

	t.Run("second active run", func(t *testing.T) {
		err := runs.Save(ctx, CreateTestRun("conv-2"))
		require.ErrorIs(t, err, persistence.ErrRunConflict)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		base, err := runs.Load(ctx, "conv-2")
		require.NoError(t, err)

		const writers = 8

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)

		for i := range writers {
			wg.Add(1)

			go func(cursor int) {
				defer wg.Done()

				candidate := base.Clone()
				candidate.Cursor = cursor

				if runs.Save(ctx, candidate) == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}(10 + i)
		}

		wg.Wait()
		assert.Equal(t, 1, successes)

		current, err := runs.Load(ctx, "conv-2")
		require.NoError(t, err)
		assert.Equal(t, base.Version+1, current.Version)
	})
}

func testListDue(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	runs := store.Runs()
	now := time.Now().UTC()

	late := CreateTestRun("conv-a", WithWait(models.RunStatusWaitingDelay, now.Add(-2*time.Minute)))
	early := CreateTestRun("conv-b", WithWait(models.RunStatusWaitingReply, now.Add(-5*time.Minute)))
	future := CreateTestRun("conv-c", WithWait(models.RunStatusWaitingDelay, now.Add(time.Hour)))
	idle := CreateTestRun("conv-d")

	for _, run := range []*models.ConversationRun{late, early, future, idle} {
		require.NoError(t, runs.Save(ctx, run))
	}

	due, err := runs.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	limited, err := runs.ListDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	early.Finish(models.RunStatusCompleted, now)
	require.NoError(t, runs.Save(ctx, early))

	due, err = runs.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, late.ID, due[0].ID)
}

func testMessageDedup(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	runs := store.Runs()

	first, err := runs.MarkMessageProcessed(ctx, "conv-1", "wamid-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := runs.MarkMessageProcessed(ctx, "conv-1", "wamid-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again)

	otherConversation, err := runs.MarkMessageProcessed(ctx, "conv-2", "wamid-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, otherConversation)

	require.NoError(t, runs.ForgetMessage(ctx, "conv-1", "wamid-1"))
	require.NoError(t, runs.ForgetMessage(ctx, "conv-1", "wamid-unknown"))
	require.NoError(t, runs.ForgetMessage(ctx, "conv-3", "wamid-1"))

	redelivered, err := runs.MarkMessageProcessed(ctx, "conv-1", "wamid-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, redelivered)

	stillSeen, err := runs.MarkMessageProcessed(ctx, "conv-2", "wamid-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, stillSeen)
}

func testDeadLetters(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	letters := store.DeadLetters()

	_, err := letters.Get(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrDeadLetterNotFound)

	older := CreateTestDeadLetter(func(d *models.DeadLetter) { d.CreatedAt = time.Now().UTC().Add(-time.Minute) })
	newer := CreateTestDeadLetter()

	require.NoError(t, letters.Add(ctx, older))
	require.NoError(t, letters.Add(ctx, newer))

	got, err := letters.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, "https://example.com/hook", got.Step.Data.URL)

	pending, err := letters.List(ctx, models.DeadLetterPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, newer.ID, pending[0].ID)

	require.NoError(t, letters.MarkReplayed(ctx, older.ID, time.Now().UTC()))

	pending, err = letters.List(ctx, models.DeadLetterPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	replayed, err := letters.List(ctx, models.DeadLetterReplayed)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, older.ID, replayed[0].ID)
	assert.NotNil(t, replayed[0].ReplayedAt)

	all, err := letters.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = letters.MarkReplayed(ctx, "missing", time.Now())
	require.ErrorIs(t, err, persistence.ErrDeadLetterNotFound)
}
