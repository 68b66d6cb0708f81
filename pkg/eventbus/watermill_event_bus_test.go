package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/channels/gochannel"
	"github.com/nexia/flowengine/pkg/events"
	"github.com/nexia/flowengine/pkg/models"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.RunStatusChanged, 1)

	require.NoError(t, bus.Handle(events.RunStatusChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.RunStatusChanged)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	sent := events.RunStatusChanged{
		BaseEvent: events.NewBaseEvent(events.RunStatusChangedEvent, "conv-1"),
		RunID:     "run-1",
		Status:    models.RunStatusCompleted,
	}
	require.NoError(t, bus.Publish(ctx, "conv-1", sent))

	select {
	case got := <-received:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, models.RunStatusCompleted, got.Status)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_ContactAttributesChanged(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.ContactAttributesChanged, 1)

	require.NoError(t, bus.Handle(events.ContactAttributesChangedEvent, func(_ context.Context, event any) error {
		received <- event.(*events.ContactAttributesChanged)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "conv-1", events.ContactAttributesChanged{
		BaseEvent:  events.NewBaseEvent(events.ContactAttributesChangedEvent, "conv-1"),
		RunID:      "run-1",
		Contact:    "+5215550000000",
		Attributes: map[string]string{"verified": "yes"},
	}))

	select {
	case got := <-received:
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, map[string]string{"verified": "yes"}, got.Attributes)
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_RedeliversOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := newTestBus(t)

	var calls atomic.Int32

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.RunTimerFiredEvent, func(_ context.Context, _ any) error {
		if calls.Add(1) == 1 {
			return errors.New("store unavailable")
		}

		close(done)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "conv-1", events.RunTimerFired{
		BaseEvent: events.NewBaseEvent(events.RunTimerFiredEvent, "conv-1"),
		RunID:     "run-1",
	}))

	select {
	case <-done:
		assert.Equal(t, int32(2), calls.Load())
	case <-ctx.Done():
		t.Fatal("message was not redelivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
