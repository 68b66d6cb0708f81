package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/engine"
	"github.com/nexia/flowengine/pkg/events"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/testutil"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()

	ctx := context.Background()

	worker, err := NewWorker(ctx, slog.Default(), Config{
		DatabaseURL:   t.TempDir(),
		EventBus:      "gochannel",
		HTTPTimeout:   time.Second,
		MaxRetries:    1,
		DedupWindow:   time.Hour,
		SweepSchedule: engine.DefaultSweepSchedule,
	})
	require.NoError(t, err)

	t.Cleanup(func() { worker.Close(ctx) })

	return worker
}

func TestNewWorker_InvalidConfig(t *testing.T) {
	ctx := context.Background()

	_, err := NewWorker(ctx, slog.Default(), Config{DatabaseURL: t.TempDir(), EventBus: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewWorker(ctx, slog.Default(), Config{
		DatabaseURL:   t.TempDir(),
		EventBus:      "gochannel",
		SweepSchedule: "every now and then",
	})
	assert.Error(t, err)
}

func TestWorker_App(t *testing.T) {
	worker := newTestWorker(t)
	app := worker.App()

	for _, path := range []string{"/livez", "/readyz", "/metrics"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestWorker_RunsConversation(t *testing.T) {
	worker := newTestWorker(t)

	flow := testutil.CreateTestFlow("org-1", func(f *models.Flow) {
		f.Graph = testutil.CreateTestGraph(func(g *models.CompiledGraph) {
			g.Paths = map[string][]models.Step{
				models.PathDefault: {
					models.SendText("Hola"),
					{Type: models.StepTypeSetAttribute, Key: "greeted", Value: "yes"},
				},
			}
		})
	})
	require.NoError(t, worker.persistence.Flows().Save(context.Background(), flow))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- worker.Start(ctx) }()

	inbound := events.InboundMessage{
		BaseEvent:  events.NewBaseEvent(events.InboundMessageEvent, "conv-1"),
		OrgID:      "org-1",
		MessageID:  "wamid-1",
		Contact:    "+5215550000000",
		Text:       "hola",
		ReceivedAt: time.Now().UTC(),
	}

	// Publishing repeats until the subscriber is up; the message id keeps
	// the conversation to a single run.
	require.Eventually(t, func() bool {
		_ = worker.eventBus.Publish(ctx, inbound.ConversationID, inbound)

		run, err := worker.persistence.Runs().Load(ctx, "conv-1")

		return err == nil && run.Status == models.RunStatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	run, err := worker.persistence.Runs().Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "yes", run.Attributes["greeted"])

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
