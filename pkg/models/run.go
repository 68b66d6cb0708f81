package models

import "time"

// RunStatus is the lifecycle state of a conversation run.
type RunStatus string

const (
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingReply RunStatus = "waiting_reply"
	RunStatusWaitingDelay RunStatus = "waiting_delay"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// Terminal reports whether no further event can change a run in this status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Waiting reports whether the run is suspended on a wait step.
func (s RunStatus) Waiting() bool {
	return s == RunStatusWaitingReply || s == RunStatusWaitingDelay
}

// ConversationRun is the live execution state of one conversation against one
// compiled graph version.
//
// WaitDeadline is the instant the pending timer is due: the end of a delay,
// the reply timeout, or the next attempt of an action that failed transiently.
type ConversationRun struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	OrgID          string            `json:"org_id,omitempty"`
	ChannelID      string            `json:"channel_id,omitempty"`
	Contact        string            `json:"contact,omitempty"`
	GraphName      string            `json:"graph_name"`
	GraphVersion   int               `json:"graph_version"`
	Intent         string            `json:"intent,omitempty"`
	CurrentPath    string            `json:"current_path"`
	Cursor         int               `json:"cursor"`
	Status         RunStatus         `json:"status"`
	WaitDeadline   *time.Time        `json:"wait_deadline,omitempty"`
	WaitPattern    *string           `json:"wait_pattern,omitempty"`
	Attributes     map[string]string `json:"attributes"`
	Attempts       int               `json:"attempts,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	ErrorCode      string            `json:"error_code,omitempty"`
	LastInboundAt  *time.Time        `json:"last_inbound_at,omitempty"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so a transition never aliases the loaded state.
func (r *ConversationRun) Clone() *ConversationRun {
	if r == nil {
		return nil
	}

	c := *r

	if r.WaitDeadline != nil {
		t := *r.WaitDeadline
		c.WaitDeadline = &t
	}

	if r.WaitPattern != nil {
		p := *r.WaitPattern
		c.WaitPattern = &p
	}

	if r.LastInboundAt != nil {
		t := *r.LastInboundAt
		c.LastInboundAt = &t
	}

	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}

	c.Attributes = make(map[string]string, len(r.Attributes))
	for k, v := range r.Attributes {
		c.Attributes[k] = v
	}

	return &c
}

// ClearWait drops any pending wait state.
func (r *ConversationRun) ClearWait() {
	r.WaitDeadline = nil
	r.WaitPattern = nil
}

// Finish moves the run to a terminal status.
func (r *ConversationRun) Finish(status RunStatus, at time.Time) {
	r.Status = status
	r.ClearWait()

	finished := at
	r.FinishedAt = &finished
}
