package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
)

// OutboxSender hands outbound text to the messaging gateway through the
// event bus. The event id is the idempotency key, so a redelivered step
// produces the same bus message id.
type OutboxSender struct {
	publisher eventbus.EventPublisher
}

func NewOutboxSender(publisher eventbus.EventPublisher) *OutboxSender {
	return &OutboxSender{publisher: publisher}
}

func (s *OutboxSender) SendText(ctx context.Context, msg OutboundText) error {
	event := events.OutboundMessage{
		BaseEvent: events.BaseEvent{
			ID:             msg.IdempotencyKey,
			Type:           events.OutboundMessageEvent,
			Timestamp:      time.Now().UTC(),
			ConversationID: msg.ConversationID,
		},
		OrgID:          msg.OrgID,
		ChannelID:      msg.ChannelID,
		RunID:          msg.RunID,
		To:             msg.To,
		Text:           msg.Text,
		IdempotencyKey: msg.IdempotencyKey,
	}

	err := s.publisher.Publish(ctx, msg.ConversationID, event)
	if err != nil {
		return Retryable(fmt.Errorf("publish outbound message: %w", err))
	}

	return nil
}
