// Package events defines the messages exchanged between the flow API, the
// execution engine and the delivery gateways.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/nexia/flowengine/pkg/models"
)

type EventType string

// Topic carries every flow event; messages are keyed by conversation id.
const Topic = "nexia.flow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Engine inputs.
	InboundMessageEvent     EventType = "conversation.message.inbound"
	RunStartRequestedEvent  EventType = "run.start.requested"
	RunCancelRequestedEvent EventType = "run.cancel.requested"
	RunTimerFiredEvent      EventType = "run.timer.fired"

	// Engine outputs.
	RunStatusChangedEvent         EventType = "run.status.changed"
	OutboundMessageEvent          EventType = "message.outbound"
	ContactAttributesChangedEvent EventType = "contact.attributes.changed"
	FlowWebhookEvent              EventType = "flow.webhook"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EventID is used as the bus message id, so consumers can deduplicate
// redeliveries of the same logical event.
func (b BaseEvent) EventID() string {
	return b.ID
}

// InboundMessage is a message received from a contact.
type InboundMessage struct {
	BaseEvent

	OrgID      string    `json:"org_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	MessageID  string    `json:"message_id"`
	Contact    string    `json:"contact"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

func (e InboundMessage) GetType() EventType {
	return InboundMessageEvent
}

// RunStartRequested starts a run without an inbound message, for example from
// a broadcast. An empty FlowID selects the organization's active flow.
type RunStartRequested struct {
	BaseEvent

	OrgID     string `json:"org_id"`
	ChannelID string `json:"channel_id,omitempty"`
	Contact   string `json:"contact"`
	FlowID    string `json:"flow_id,omitempty"`
	Intent    string `json:"intent,omitempty"`
}

func (e RunStartRequested) GetType() EventType {
	return RunStartRequestedEvent
}

type RunCancelRequested struct {
	BaseEvent

	RunID  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e RunCancelRequested) GetType() EventType {
	return RunCancelRequestedEvent
}

// RunTimerFired resumes a run suspended on a delay, a reply timeout or an
// action retry. Path and Cursor identify the wait the timer was armed for.
type RunTimerFired struct {
	BaseEvent

	RunID  string    `json:"run_id"`
	Path   string    `json:"path"`
	Cursor int       `json:"cursor"`
	FireAt time.Time `json:"fire_at"`
}

func (e RunTimerFired) GetType() EventType {
	return RunTimerFiredEvent
}

// RunStatusChanged is emitted after every persisted transition that changes
// a run's status.
type RunStatusChanged struct {
	BaseEvent

	RunID          string           `json:"run_id"`
	OrgID          string           `json:"org_id,omitempty"`
	GraphName      string           `json:"graph_name"`
	GraphVersion   int              `json:"graph_version"`
	Status         models.RunStatus `json:"status"`
	PreviousStatus models.RunStatus `json:"previous_status,omitempty"`
	Path           string           `json:"path"`
	Cursor         int              `json:"cursor"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Error          string           `json:"error,omitempty"`
}

func (e RunStatusChanged) GetType() EventType {
	return RunStatusChangedEvent
}

// OutboundMessage asks a messaging gateway to deliver text to a contact.
type OutboundMessage struct {
	BaseEvent

	OrgID          string `json:"org_id,omitempty"`
	ChannelID      string `json:"channel_id,omitempty"`
	RunID          string `json:"run_id"`
	To             string `json:"to"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (e OutboundMessage) GetType() EventType {
	return OutboundMessageEvent
}

// FlowWebhook carries a webhook step without a URL to the organization's
// registered webhook endpoints.
type FlowWebhook struct {
	BaseEvent

	OrgID          string         `json:"org_id,omitempty"`
	RunID          string         `json:"run_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        any            `json:"payload,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

func (e FlowWebhook) GetType() EventType {
	return FlowWebhookEvent
}

// ContactAttributesChanged carries the attributes a run set on a contact, so
// the contact record owner can merge them.
type ContactAttributesChanged struct {
	BaseEvent

	OrgID      string            `json:"org_id,omitempty"`
	RunID      string            `json:"run_id"`
	Contact    string            `json:"contact"`
	Attributes map[string]string `json:"attributes"`
}

func (e ContactAttributesChanged) GetType() EventType {
	return ContactAttributesChangedEvent
}

func NewBaseEvent(eventType EventType, conversationID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Metadata:       make(map[string]any),
	}
}
