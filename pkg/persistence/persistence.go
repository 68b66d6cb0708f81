// Package persistence defines the storage contracts of flows, conversation
// runs and dead letters.
package persistence

import (
	"context"
	"time"

	"github.com/nexia/flowengine/pkg/models"
)

type Persistence interface {
	Flows() FlowRepository
	Runs() RunRepository
	DeadLetters() DeadLetterRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// FlowRepository stores published flow versions. A saved flow is immutable
// except for its status.
type FlowRepository interface {
	// Save assigns an id and the next version for (org, name) when they are
	// empty. Saving an active flow deactivates the other flows of the org.
	Save(ctx context.Context, flow *models.Flow) error
	Get(ctx context.Context, id string) (*models.Flow, error)
	Version(ctx context.Context, orgID, name string, version int) (*models.Flow, error)
	// Active returns the active flow of an organization.
	Active(ctx context.Context, orgID string) (*models.Flow, error)
	// List returns the flows of an organization, newest first.
	List(ctx context.Context, orgID string) ([]*models.Flow, error)
}

// RunRepository stores conversation runs.
//
// Save is a compare-and-swap on ConversationRun.Version: it fails with
// ErrRunConflict unless the stored version equals run.Version, and on
// success increments run.Version. A run with Version 0 is inserted and
// becomes the conversation's current run, which is refused while the
// previous run of the conversation is still active.
type RunRepository interface {
	// Load returns the current run of a conversation.
	Load(ctx context.Context, conversationID string) (*models.ConversationRun, error)
	Get(ctx context.Context, runID string) (*models.ConversationRun, error)
	Save(ctx context.Context, run *models.ConversationRun) error
	// ListDue returns non-terminal runs whose wait deadline is at or before
	// before, oldest deadline first.
	ListDue(ctx context.Context, before time.Time, limit int) ([]*models.ConversationRun, error)
	// MarkMessageProcessed records an inbound message id and reports whether
	// it was seen for the first time within window.
	MarkMessageProcessed(ctx context.Context, conversationID, messageID string, window time.Duration) (bool, error)
	// ForgetMessage drops a processed message id so a redelivery of the
	// message is handled again. Unknown ids are not an error.
	ForgetMessage(ctx context.Context, conversationID, messageID string) error
}

type DeadLetterRepository interface {
	Add(ctx context.Context, letter *models.DeadLetter) error
	Get(ctx context.Context, id string) (*models.DeadLetter, error)
	// List returns dead letters with status, or all of them when status is
	// empty, newest first.
	List(ctx context.Context, status models.DeadLetterStatus) ([]*models.DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}
