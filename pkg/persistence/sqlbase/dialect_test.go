package sqlbase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDollarNumbers(t *testing.T) {
	assert.Equal(t,
		"UPDATE runs SET status = $1 WHERE id = $2 AND version = $3",
		DollarNumbers("UPDATE runs SET status = ? WHERE id = ? AND version = ?"),
	)
	assert.Equal(t, "SELECT 1", DollarNumbers("SELECT 1"))
	assert.Equal(t, "SELECT ?", QuestionMarks("SELECT ?"))
}
