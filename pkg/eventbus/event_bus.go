// Package eventbus carries flow events between the API, the engine and the
// delivery gateways.
package eventbus

import (
	"context"

	"github.com/nexia/flowengine/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	// Publish sends event keyed by key. Events sharing a key keep their order
	// on partitioned transports.
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
