package models

import "time"

// DeadLetterStatus tracks manual handling of a dead letter.
type DeadLetterStatus string

const (
	DeadLetterPending  DeadLetterStatus = "pending"
	DeadLetterReplayed DeadLetterStatus = "replayed"
)

// DeadLetter is a dispatch that exhausted its retry budget.
type DeadLetter struct {
	ID             string           `json:"id"`
	Kind           ActionType       `json:"kind"`
	OrgID          string           `json:"org_id,omitempty"`
	RunID          string           `json:"run_id"`
	ConversationID string           `json:"conversation_id"`
	Path           string           `json:"path"`
	Cursor         int              `json:"cursor"`
	IdempotencyKey string           `json:"idempotency_key"`
	Step           Step             `json:"step"`
	Error          string           `json:"error"`
	Attempts       int              `json:"attempts"`
	Status         DeadLetterStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	ReplayedAt     *time.Time       `json:"replayed_at,omitempty"`
}

// Timer asks the scheduler to fire TimerFired for a run at FireAt. Path and
// Cursor pin the wait it belongs to so stale timers can be recognized.
type Timer struct {
	RunID          string    `json:"run_id"`
	ConversationID string    `json:"conversation_id"`
	Path           string    `json:"path"`
	Cursor         int       `json:"cursor"`
	FireAt         time.Time `json:"fire_at"`
}
