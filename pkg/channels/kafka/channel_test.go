package kafka

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
)

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, nil, "engine")
	require.ErrorIs(t, err, ErrNoBrokers)

	_, _, err = CreateChannel(watermill.NopLogger{}, []string{""}, "engine")
	require.ErrorIs(t, err, ErrNoBrokers)
}

func TestCreateChannel_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	admin, err := sarama.NewClusterAdmin(brokers, sarama.NewConfig())
	require.NoError(t, err)

	err = admin.CreateTopic(events.Topic, &sarama.TopicDetail{NumPartitions: 3, ReplicationFactor: 1}, false)
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	logger := watermill.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))

	pub, sub, err := CreateChannel(logger, brokers, "test")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	defer bus.Close()

	received := make(chan *events.InboundMessage, 1)

	err = bus.Handle(events.InboundMessageEvent, func(_ context.Context, event any) error {
		received <- event.(*events.InboundMessage)

		return nil
	})
	require.NoError(t, err)

	inbound := events.InboundMessage{
		BaseEvent: events.NewBaseEvent(events.InboundMessageEvent, "conv-1"),
		OrgID:     "org-1",
		MessageID: "wamid-1",
		Text:      "hola",
	}

	require.NoError(t, bus.Publish(ctx, "conv-1", inbound))
	require.NoError(t, bus.Subscribe(ctx))

	select {
	case got := <-received:
		assert.Equal(t, "conv-1", got.ConversationID)
		assert.Equal(t, "wamid-1", got.MessageID)
		assert.Equal(t, "hola", got.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for the inbound message")
	}
}
