// Package scheduler delivers run timers (delays, reply timeouts and action
// retries) at or after their due time. Delivery is at-least-once; receivers
// discard timers that no longer match the run.
package scheduler

import (
	"context"

	"github.com/nexia/flowengine/pkg/models"
)

// FireFunc handles a due timer. An error makes the scheduler try again later.
type FireFunc func(ctx context.Context, timer models.Timer) error

// Scheduler keeps at most one pending timer per run; scheduling a run again
// replaces its previous timer.
type Scheduler interface {
	Schedule(ctx context.Context, timer models.Timer) error
	Cancel(ctx context.Context, runID string) error
	// Run fires due timers until ctx is done.
	Run(ctx context.Context, fire FireFunc) error
}
