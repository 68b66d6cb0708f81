package persistence_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nexia/flowengine/pkg/persistence"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("run error unwraps to the sentinel", func(t *testing.T) {
		err := persistence.NewRunError("Save", "conv-1", "run-1", persistence.ErrRunConflict)

		assert.True(t, persistence.IsRunConflict(err))
		assert.False(t, persistence.IsRunNotFound(err))
		assert.True(t, errors.Is(err, persistence.ErrRunConflict))
	})

	t.Run("run error contains context", func(t *testing.T) {
		err := persistence.NewRunError("Load", "conv-1", "", persistence.ErrRunNotFound)

		assert.Equal(t, "Load operation failed for conversation conv-1: run not found", err.Error())
	})

	t.Run("run error names the run when known", func(t *testing.T) {
		err := persistence.NewRunError("Save", "conv-1", "run-9", persistence.ErrRunConflict)

		assert.Contains(t, err.Error(), "run run-9 of conversation conv-1")
	})

	t.Run("flow error", func(t *testing.T) {
		err := persistence.NewFlowError("Get", "flow-1", persistence.ErrFlowNotFound)

		assert.True(t, persistence.IsFlowNotFound(err))
		assert.Contains(t, err.Error(), "flow-1")
	})
}
