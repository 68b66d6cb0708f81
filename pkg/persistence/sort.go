package persistence

import (
	"sort"

	"github.com/nexia/flowengine/pkg/models"
)

// SortFlows orders flows newest first, breaking ties by version.
func SortFlows(flows []*models.Flow) {
	sort.SliceStable(flows, func(i, j int) bool {
		if !flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].CreatedAt.After(flows[j].CreatedAt)
		}

		return flows[i].Version > flows[j].Version
	})
}

// SortDeadLetters orders dead letters newest first.
func SortDeadLetters(letters []*models.DeadLetter) {
	sort.SliceStable(letters, func(i, j int) bool {
		return letters[i].CreatedAt.After(letters[j].CreatedAt)
	})
}

// SortDue orders runs by wait deadline, oldest first.
func SortDue(runs []*models.ConversationRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].WaitDeadline.Before(*runs[j].WaitDeadline)
	})
}
