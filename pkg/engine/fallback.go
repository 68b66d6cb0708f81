package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/models"
)

// FallbackReplies maps an intent to the text sent when the organization has
// no active flow. The default intent covers every other intent.
type FallbackReplies map[string]string

// DefaultFallbackReplies are the canned replies of a fresh installation.
func DefaultFallbackReplies() FallbackReplies {
	return FallbackReplies{
		models.IntentPricing:  "Gracias por preguntar sobre precios. Nuestro plan starter cuesta $9/mes.",
		models.IntentGreeting: "Hola! ¿En qué puedo ayudarte hoy?",
		models.IntentDefault:  "Gracias por tu mensaje. Un agente te responderá pronto.",
	}
}

// Text returns the reply for intent, or "" when there is none.
func (f FallbackReplies) Text(intent string) string {
	if text, ok := f[intent]; ok && text != "" {
		return text
	}

	return f[models.IntentDefault]
}

// fallbackRunPrefix marks the transient run a fallback reply is sent for.
const fallbackRunPrefix = "fallback:"

// reply answers an inbound message without starting a run. The transient run
// is keyed by the message id, so a redelivered message yields the same
// idempotency key and the gateway drops the second send.
func (e *Engine) reply(ctx context.Context, req startRequest) error {
	text := e.fallback.Text(req.intent)
	if text == "" || e.dispatcher == nil {
		e.logger.InfoContext(ctx, "no flow and no fallback reply", "org_id", req.orgID,
			"conversation_id", req.conversationID, "intent", req.intent)
		e.metrics.IncEvents(string(req.eventType), outcomeIgnored)

		return nil
	}

	key := req.messageID
	if key == "" {
		key = uuid.NewString()
	}

	run := &models.ConversationRun{
		ID:             fallbackRunPrefix + key,
		ConversationID: req.conversationID,
		OrgID:          req.orgID,
		ChannelID:      req.channelID,
		Contact:        req.contact,
		Intent:         req.intent,
		CurrentPath:    models.PathDefault,
		Status:         models.RunStatusRunning,
		LastInboundAt:  req.inboundAt,
	}

	outcome := e.dispatcher.Dispatch(ctx, dispatcher.NewRequest(run, models.SendText(text)))

	switch {
	case outcome.Delivered():
		e.logger.InfoContext(ctx, "sent fallback reply", "org_id", req.orgID,
			"conversation_id", req.conversationID, "intent", req.intent, "message_id", req.messageID)
		e.metrics.IncEvents(string(req.eventType), outcomeReplied)

		return nil
	case outcome.Retryable():
		return fmt.Errorf("send fallback reply for message %s: %w", req.messageID, outcome.Err)
	default:
		e.logger.WarnContext(ctx, "fallback reply failed", "conversation_id", req.conversationID,
			"code", outcome.Code, "error", outcome.Err)
		e.metrics.IncEvents(string(req.eventType), outcomeIgnored)

		return nil
	}
}
