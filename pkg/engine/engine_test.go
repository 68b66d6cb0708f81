package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/engine"
	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
	"github.com/nexia/flowengine/pkg/locks"
	"github.com/nexia/flowengine/pkg/mocks"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
	"github.com/nexia/flowengine/pkg/persistence/file"
	"github.com/nexia/flowengine/pkg/scheduler"
	"github.com/nexia/flowengine/pkg/testutil"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

// flakySender fails the first failures sends with a transient error.
type flakySender struct {
	mu        sync.Mutex
	failures  int
	attempts  []dispatcher.OutboundText
	delivered []dispatcher.OutboundText
}

func (s *flakySender) SendText(_ context.Context, msg dispatcher.OutboundText) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = append(s.attempts, msg)

	if s.failures > 0 {
		s.failures--

		return dispatcher.Retryable(errors.New("gateway unavailable"))
	}

	s.delivered = append(s.delivered, msg)

	return nil
}

func (s *flakySender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	texts := make([]string, 0, len(s.delivered))
	for _, msg := range s.delivered {
		texts = append(texts, msg.Text)
	}

	return texts
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	keys   []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = append(p.keys, key)
	p.events = append(p.events, event)

	return nil
}

func (p *recordingPublisher) statuses() []models.RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var statuses []models.RunStatus

	for _, event := range p.events {
		if changed, ok := event.(events.RunStatusChanged); ok {
			statuses = append(statuses, changed.Status)
		}
	}

	return statuses
}

func (p *recordingPublisher) attributeChanges() []events.ContactAttributesChanged {
	p.mu.Lock()
	defer p.mu.Unlock()

	var changes []events.ContactAttributesChanged

	for _, event := range p.events {
		if changed, ok := event.(events.ContactAttributesChanged); ok {
			changes = append(changes, changed)
		}
	}

	return changes
}

// flakyFlows fails the first failures lookups of the active flow.
type flakyFlows struct {
	persistence.FlowRepository

	mu       sync.Mutex
	failures int
}

func (f *flakyFlows) Active(ctx context.Context, orgID string) (*models.Flow, error) {
	f.mu.Lock()
	failing := f.failures > 0
	if failing {
		f.failures--
	}
	f.mu.Unlock()

	if failing {
		return nil, errors.New("db timeout")
	}

	return f.FlowRepository.Active(ctx, orgID)
}

type harness struct {
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	store      *file.Persistence
	sender     *flakySender
	timers     *scheduler.MemoryScheduler
	bus        *recordingPublisher
	locks      *locks.KeyedMutex
	clock      *testClock
	flow       *models.Flow
}

func newHarness(t *testing.T, graph *models.CompiledGraph) *harness {
	t.Helper()

	h := &harness{
		store:  file.NewPersistence(t.TempDir()),
		sender: &flakySender{},
		timers: scheduler.NewMemoryScheduler(),
		bus:    &recordingPublisher{},
		locks:  locks.NewKeyedMutex(),
		clock:  &testClock{now: time.Now().UTC().Truncate(time.Second)},
	}

	if graph != nil {
		h.flow = testutil.CreateTestFlow("org-1", func(f *models.Flow) {
			f.Graph = graph
			f.Name = graph.Name
		})
		require.NoError(t, h.store.Flows().Save(context.Background(), h.flow))
	}

	h.dispatcher = dispatcher.New(h.sender, &mocks.MockWebhookSender{},
		dispatcher.WithRunReader(h.store.Runs()),
		dispatcher.WithClock(h.clock.Now),
	)

	h.rebuild(h.store.Flows())

	return h
}

// rebuild replaces the engine with one reading flows from flows.
func (h *harness) rebuild(flows persistence.FlowRepository, opts ...engine.Option) {
	h.engine = engine.New(engine.Dependencies{
		Flows:      flows,
		Runs:       h.store.Runs(),
		Dispatcher: h.dispatcher,
		Locker:     h.locks,
		Scheduler:  h.timers,
		Publisher:  h.bus,
	}, append([]engine.Option{engine.WithClock(h.clock.Now)}, opts...)...)
}

func (h *harness) inbound(id, text string) events.InboundMessage {
	return events.InboundMessage{
		BaseEvent:  events.NewBaseEvent(events.InboundMessageEvent, "conv-1"),
		OrgID:      "org-1",
		MessageID:  id,
		Contact:    "+5215550000000",
		Text:       text,
		ReceivedAt: h.clock.Now(),
	}
}

func (h *harness) run(t *testing.T) *models.ConversationRun {
	t.Helper()

	run, err := h.store.Runs().Load(context.Background(), "conv-1")
	require.NoError(t, err)

	return run
}

func (h *harness) fire(t *testing.T, run *models.ConversationRun) {
	t.Helper()

	require.NotNil(t, run.WaitDeadline)
	h.clock.Set(*run.WaitDeadline)

	err := h.engine.HandleTimer(context.Background(), events.RunTimerFired{
		BaseEvent: events.NewBaseEvent(events.RunTimerFiredEvent, run.ConversationID),
		RunID:     run.ID,
		Path:      run.CurrentPath,
		Cursor:    run.Cursor,
		FireAt:    *run.WaitDeadline,
	})
	require.NoError(t, err)
}

func TestEngine_OTPConversation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())

	require.NoError(t, h.engine.Handle(ctx, ptr(h.inbound("m1", "hola"))))

	run := h.run(t)
	assert.Equal(t, models.RunStatusWaitingReply, run.Status)
	assert.Equal(t, models.IntentGreeting, run.Intent)
	assert.Equal(t, h.flow.Version, run.GraphVersion)
	assert.Equal(t, 1, h.timers.Pending())

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m2", "no tengo codigo")))
	assert.Equal(t, models.RunStatusWaitingReply, h.run(t).Status)

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m3", "123456")))

	run = h.run(t)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, "yes", run.Attributes["verified"])
	assert.Equal(t, []string{"Send the 6 digit code", "Verified"}, h.sender.texts())
	assert.Equal(t, 0, h.timers.Pending())
	assert.Equal(t, []models.RunStatus{models.RunStatusWaitingReply, models.RunStatusCompleted}, h.bus.statuses())
	assert.Equal(t, 0, h.locks.Len())

	changes := h.bus.attributeChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, map[string]string{"verified": "yes"}, changes[0].Attributes)
	assert.Equal(t, run.ID, changes[0].RunID)
	assert.Equal(t, "conv-1", changes[0].ConversationID)
	assert.Equal(t, "+5215550000000", changes[0].Contact)
	assert.Equal(t, "org-1", changes[0].OrgID)
}

func TestEngine_AttributesPublishedOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	graph := testutil.CreateTestGraph(func(g *models.CompiledGraph) {
		g.Paths[models.PathDefault] = []models.Step{
			{Type: models.StepTypeSetAttribute, Key: "stage", Value: "lead"},
			{Type: models.StepTypeWaitForReply},
			{Type: models.StepTypeSetAttribute, Key: "stage", Value: "lead"},
			{Type: models.StepTypeSetAttribute, Key: "plan", Value: "starter"},
		}
	})
	h := newHarness(t, graph)

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m2", "quiero el plan")))

	changes := h.bus.attributeChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, map[string]string{"stage": "lead"}, changes[0].Attributes)
	assert.Equal(t, map[string]string{"plan": "starter"}, changes[1].Attributes)
}

func TestChangedAttributes(t *testing.T) {
	tests := []struct {
		name   string
		before map[string]string
		after  map[string]string
		want   map[string]string
	}{
		{name: "nothing set", before: nil, after: map[string]string{}, want: nil},
		{name: "new key", before: nil, after: map[string]string{"a": "1"}, want: map[string]string{"a": "1"}},
		{name: "same value", before: map[string]string{"a": "1"}, after: map[string]string{"a": "1"}, want: nil},
		{
			name:   "overwritten value",
			before: map[string]string{"a": "1", "b": "2"},
			after:  map[string]string{"a": "3", "b": "2"},
			want:   map[string]string{"a": "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.ChangedAttributes(tt.before, tt.after))
		})
	}
}

func TestEngine_ReplyTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

	run := h.run(t)
	h.fire(t, run)

	run = h.run(t)
	assert.Equal(t, "path_timeout", run.CurrentPath)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"Send the 6 digit code", "Too slow"}, h.sender.texts())
}

func TestEngine_Deduplication(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
	version := h.run(t).Version

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

	assert.Equal(t, version, h.run(t).Version)
	assert.Len(t, h.sender.texts(), 1)
}

func TestEngine_FailedMessageIsRedelivered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())
	h.rebuild(&flakyFlows{FlowRepository: h.store.Flows(), failures: 1})

	err := h.engine.HandleInbound(ctx, h.inbound("m1", "hola"))
	require.ErrorContains(t, err, "db timeout")

	_, err = h.store.Runs().Load(ctx, "conv-1")
	require.True(t, persistence.IsRunNotFound(err))

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

	run := h.run(t)
	assert.Equal(t, models.RunStatusWaitingReply, run.Status)
	assert.Equal(t, []string{"Send the 6 digit code"}, h.sender.texts())

	t.Run("once processed the message is a duplicate again", func(t *testing.T) {
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
		assert.Equal(t, run.Version, h.run(t).Version)
		assert.Len(t, h.sender.texts(), 1)
	})
}

func TestEngine_ReplyRacesTimeout(t *testing.T) {
	for i := range 20 {
		t.Run(fmt.Sprintf("round %d", i), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, testutil.CreateTestGraph())

			require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

			waiting := h.run(t)
			require.NotNil(t, waiting.WaitDeadline)

			reply := h.inbound("m2", "123456")
			reply.ReceivedAt = waiting.WaitDeadline.Add(-time.Second)

			timer := events.RunTimerFired{
				BaseEvent: events.NewBaseEvent(events.RunTimerFiredEvent, waiting.ConversationID),
				RunID:     waiting.ID,
				Path:      waiting.CurrentPath,
				Cursor:    waiting.Cursor,
				FireAt:    *waiting.WaitDeadline,
			}

			h.clock.Set(*waiting.WaitDeadline)

			var wg sync.WaitGroup

			errs := make(chan error, 2)

			wg.Add(2)

			go func() {
				defer wg.Done()

				errs <- h.engine.HandleInbound(ctx, reply)
			}()

			go func() {
				defer wg.Done()

				errs <- h.engine.HandleTimer(ctx, timer)
			}()

			wg.Wait()
			close(errs)

			for err := range errs {
				require.NoError(t, err)
			}

			run := h.run(t)
			require.Equal(t, waiting.ID, run.ID)
			assert.Equal(t, models.RunStatusCompleted, run.Status)

			texts := h.sender.texts()
			require.Len(t, texts, 2)
			assert.Equal(t, "Send the 6 digit code", texts[0])

			switch texts[1] {
			case "Verified":
				assert.Equal(t, models.PathDefault, run.CurrentPath)
				assert.Equal(t, "yes", run.Attributes["verified"])
			case "Too slow":
				assert.Equal(t, "path_timeout", run.CurrentPath)
				assert.NotContains(t, run.Attributes, "verified")
			default:
				t.Fatalf("unexpected reply %q", texts[1])
			}

			assert.Equal(t, 0, h.locks.Len())
		})
	}
}

func TestEngine_ConcurrentMessagesStartOneRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())

	var wg sync.WaitGroup

	errs := make(chan error, 10)

	for i := range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs <- h.engine.HandleInbound(ctx, h.inbound(fmt.Sprintf("m%d", i), "hola"))
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	run := h.run(t)
	assert.Equal(t, models.RunStatusWaitingReply, run.Status)
	assert.Equal(t, 1, run.Cursor)
	assert.Equal(t, []string{"Send the 6 digit code"}, h.sender.texts())
	assert.Equal(t, 0, h.locks.Len())
}

func TestEngine_RetriesThenDelivers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())
	h.sender.failures = 3

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

	for attempt := 1; attempt <= 3; attempt++ {
		run := h.run(t)
		require.Equal(t, 0, run.Cursor)
		require.Equal(t, attempt, run.Attempts)
		require.Equal(t, models.RunStatusRunning, run.Status)

		h.fire(t, run)
	}

	run := h.run(t)
	assert.Equal(t, 1, run.Cursor)
	assert.Equal(t, models.RunStatusWaitingReply, run.Status)
	assert.Equal(t, 0, run.Attempts)

	require.Len(t, h.sender.attempts, 4)

	for _, msg := range h.sender.attempts {
		assert.Equal(t, h.sender.attempts[0].IdempotencyKey, msg.IdempotencyKey)
	}

	assert.Len(t, h.sender.delivered, 1)
}

func TestEngine_Cancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())

	require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
	require.Equal(t, 1, h.timers.Pending())

	require.NoError(t, h.engine.Cancel(ctx, "conv-1", "agent took over"))

	run := h.run(t)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 0, h.timers.Pending())
	assert.Equal(t, []models.RunStatus{models.RunStatusWaitingReply, models.RunStatusCompleted}, h.bus.statuses())

	t.Run("a late timer leaves the cancelled run alone", func(t *testing.T) {
		h.fire(t, &models.ConversationRun{
			ID:             run.ID,
			ConversationID: run.ConversationID,
			CurrentPath:    models.PathDefault,
			Cursor:         1,
			WaitDeadline:   &run.UpdatedAt,
		})

		assert.Equal(t, run.Version, h.run(t).Version)
	})

	t.Run("cancelling again is a no-op", func(t *testing.T) {
		require.NoError(t, h.engine.Cancel(ctx, "conv-1", "again"))
		assert.Equal(t, run.Version, h.run(t).Version)
	})
}

func TestEngine_NewRunAfterFinish(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testutil.CreateTestGraph())
	finishedAt := h.clock.Now()

	finished := testutil.CreateTestRun("conv-1", testutil.WithFinished(models.RunStatusCompleted, finishedAt))
	require.NoError(t, h.store.Runs().Save(ctx, finished))

	t.Run("messages older than the finished run are discarded", func(t *testing.T) {
		msg := h.inbound("m-old", "hola")
		msg.ReceivedAt = finishedAt.Add(-time.Minute)

		require.NoError(t, h.engine.HandleInbound(ctx, msg))
		assert.Equal(t, finished.ID, h.run(t).ID)
	})

	t.Run("newer messages start a fresh run", func(t *testing.T) {
		h.clock.Set(finishedAt.Add(time.Minute))

		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m-new", "cual es el precio")))

		run := h.run(t)
		assert.NotEqual(t, finished.ID, run.ID)
		assert.Equal(t, models.IntentPricing, run.Intent)
		assert.Equal(t, models.RunStatusWaitingReply, run.Status)
	})
}

func TestEngine_IgnoredEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("no active flow", func(t *testing.T) {
		h := newHarness(t, nil)

		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

		_, err := h.store.Runs().Load(ctx, "conv-1")
		assert.True(t, persistence.IsRunNotFound(err))
	})

	t.Run("timer for an unknown run", func(t *testing.T) {
		h := newHarness(t, testutil.CreateTestGraph())

		err := h.engine.HandleTimer(ctx, events.RunTimerFired{
			BaseEvent: events.NewBaseEvent(events.RunTimerFiredEvent, "conv-1"),
			RunID:     "run-missing",
		})
		assert.NoError(t, err)
	})

	t.Run("stale timer", func(t *testing.T) {
		h := newHarness(t, testutil.CreateTestGraph())
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

		run := h.run(t)
		stale := run.Clone()
		stale.Cursor = 0

		h.fire(t, stale)

		assert.Equal(t, run.Version, h.run(t).Version)
	})

	t.Run("unsupported event", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.NoError(t, h.engine.Handle(ctx, events.OutboundMessage{}))
	})
}

func TestEngine_FallbackReplies(t *testing.T) {
	ctx := context.Background()

	t.Run("replies per intent without starting a run", func(t *testing.T) {
		h := newHarness(t, nil)
		h.rebuild(h.store.Flows(), engine.WithFallbackReplies(engine.DefaultFallbackReplies()))

		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "cual es el precio")))
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m2", "hola")))
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m3", "necesito ayuda con mi pedido")))
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m3", "necesito ayuda con mi pedido")))

		assert.Equal(t, []string{
			"Gracias por preguntar sobre precios. Nuestro plan starter cuesta $9/mes.",
			"Hola! ¿En qué puedo ayudarte hoy?",
			"Gracias por tu mensaje. Un agente te responderá pronto.",
		}, h.sender.texts())

		_, err := h.store.Runs().Load(ctx, "conv-1")
		assert.True(t, persistence.IsRunNotFound(err))
	})

	t.Run("transient failure is retried with the same key", func(t *testing.T) {
		h := newHarness(t, nil)
		h.rebuild(h.store.Flows(), engine.WithFallbackReplies(engine.DefaultFallbackReplies()))
		h.sender.failures = 1

		require.Error(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))

		require.Len(t, h.sender.attempts, 2)
		assert.Equal(t, h.sender.attempts[0].IdempotencyKey, h.sender.attempts[1].IdempotencyKey)
		assert.Equal(t, []string{"Hola! ¿En qué puedo ayudarte hoy?"}, h.sender.texts())
	})

	t.Run("distinct messages get distinct keys", func(t *testing.T) {
		h := newHarness(t, nil)
		h.rebuild(h.store.Flows(), engine.WithFallbackReplies(engine.DefaultFallbackReplies()))

		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m2", "hola")))

		require.Len(t, h.sender.delivered, 2)
		assert.NotEqual(t, h.sender.delivered[0].IdempotencyKey, h.sender.delivered[1].IdempotencyKey)
	})

	t.Run("an active flow wins over the fallback", func(t *testing.T) {
		h := newHarness(t, testutil.CreateTestGraph())
		h.rebuild(h.store.Flows(), engine.WithFallbackReplies(engine.DefaultFallbackReplies()))

		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
		assert.Equal(t, []string{"Send the 6 digit code"}, h.sender.texts())
	})
}

func TestFallbackReplies_Text(t *testing.T) {
	replies := engine.FallbackReplies{models.IntentGreeting: "hi", models.IntentDefault: "thanks"}

	assert.Equal(t, "hi", replies.Text(models.IntentGreeting))
	assert.Equal(t, "thanks", replies.Text(models.IntentPricing))
	assert.Empty(t, engine.FallbackReplies{}.Text(models.IntentGreeting))
}

func TestEngine_StartRequested(t *testing.T) {
	ctx := context.Background()

	t.Run("start without an inbound message is outside the window", func(t *testing.T) {
		h := newHarness(t, testutil.CreateTestGraph())

		err := h.engine.Handle(ctx, &events.RunStartRequested{
			BaseEvent: events.NewBaseEvent(events.RunStartRequestedEvent, "conv-1"),
			OrgID:     "org-1",
			Contact:   "+5215550000000",
		})
		require.NoError(t, err)

		run := h.run(t)
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, dispatcher.CodeOutsideWindow, run.ErrorCode)
		assert.Empty(t, h.sender.attempts)
	})

	t.Run("start is ignored while a run is active", func(t *testing.T) {
		h := newHarness(t, testutil.CreateTestGraph())
		require.NoError(t, h.engine.HandleInbound(ctx, h.inbound("m1", "hola")))
		before := h.run(t)

		err := h.engine.HandleStart(ctx, events.RunStartRequested{
			BaseEvent: events.NewBaseEvent(events.RunStartRequestedEvent, "conv-1"),
			OrgID:     "org-1",
		})
		require.NoError(t, err)
		assert.Equal(t, before.ID, h.run(t).ID)
	})
}

func TestEngine_Register(t *testing.T) {
	bus := &mocks.MockEventBus{}

	for _, eventType := range []events.EventType{
		events.InboundMessageEvent,
		events.RunStartRequestedEvent,
		events.RunCancelRequestedEvent,
		events.RunTimerFiredEvent,
	} {
		bus.On("Handle", eventType, mock.Anything).Return(nil).Once()
	}

	h := newHarness(t, nil)
	require.NoError(t, h.engine.Register(bus))
	bus.AssertExpectations(t)

	failing := &mocks.MockEventBus{}
	failing.On("Handle", mock.Anything, mock.Anything).Return(errors.New("closed"))
	assert.ErrorContains(t, h.engine.Register(failing), "closed")
}

func ptr[T any](v T) *T {
	return &v
}
