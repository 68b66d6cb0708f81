// Package web provides the HTTP API of the flow engine: flow compilation and
// publication, conversation runs and dead letters.
package web

import (
	"time"

	"github.com/nexia/flowengine/pkg/models"
)

// PublishFlowRequest publishes a new flow version. Exactly one of Editor and
// Graph is expected; an editor graph is compiled first.
type PublishFlowRequest struct {
	OrgID  string                `json:"org_id"           validate:"required"`
	Name   string                `json:"name,omitempty"   validate:"omitempty,min=1,max=120"`
	Editor *models.EditorGraph   `json:"editor,omitempty" validate:"required_without=Graph"`
	Graph  *models.CompiledGraph `json:"graph,omitempty"  validate:"required_without=Editor"`
	// Inactive stores the version without making it the org's active flow.
	Inactive bool `json:"inactive,omitempty"`
	// Strict refuses editor graphs that compile with warnings.
	Strict bool `json:"strict,omitempty"`
}

// InboundMessageRequest is a contact message handed to the engine.
type InboundMessageRequest struct {
	OrgID      string     `json:"org_id"                validate:"required"`
	MessageID  string     `json:"message_id"            validate:"required"`
	ChannelID  string     `json:"channel_id,omitempty"`
	Contact    string     `json:"contact"               validate:"required"`
	Text       string     `json:"text"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// StartRunRequest starts a run without an inbound message.
type StartRunRequest struct {
	OrgID     string `json:"org_id"               validate:"required"`
	Contact   string `json:"contact"              validate:"required"`
	ChannelID string `json:"channel_id,omitempty"`
	FlowID    string `json:"flow_id,omitempty"`
	Intent    string `json:"intent,omitempty"     validate:"omitempty,max=64"`
}

type CancelRunRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// AcceptedResponse acknowledges an event handed to the engine.
type AcceptedResponse struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// ReplayResponse reports a successful dead letter replay.
type ReplayResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
