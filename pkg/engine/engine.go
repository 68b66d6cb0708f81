package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
	"github.com/nexia/flowengine/pkg/intent"
	"github.com/nexia/flowengine/pkg/locks"
	"github.com/nexia/flowengine/pkg/log"
	"github.com/nexia/flowengine/pkg/metrics"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/otelhelper"
	"github.com/nexia/flowengine/pkg/persistence"
	"github.com/nexia/flowengine/pkg/scheduler"
)

// DefaultDedupWindow is how long an inbound message id is remembered.
const DefaultDedupWindow = 24 * time.Hour

// Outcomes counted per handled event.
const (
	outcomeAdvanced  = "advanced"
	outcomeStarted   = "started"
	outcomeIgnored   = "ignored"
	outcomeDuplicate = "duplicate"
	outcomeAborted   = "aborted"
	outcomeError     = "error"
	outcomeReplied   = "replied"
)

// Dependencies are the collaborators of an Engine. Locker, Scheduler,
// Publisher, Classifier, Metrics and Tracer are optional.
type Dependencies struct {
	Flows      persistence.FlowRepository
	Runs       persistence.RunRepository
	Dispatcher ActionDispatcher
	Locker     locks.Locker
	Scheduler  scheduler.Scheduler
	Publisher  eventbus.EventPublisher
	Classifier intent.Classifier
	Metrics    metrics.Metrics
	Tracer     trace.Tracer
}

type Option func(*Engine)

func WithDedupWindow(window time.Duration) Option {
	return func(e *Engine) { e.dedupWindow = window }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithFallbackReplies makes the engine answer inbound messages of
// organizations without an active flow with a canned text per intent.
func WithFallbackReplies(replies FallbackReplies) Option {
	return func(e *Engine) { e.fallback = replies }
}

// Engine drives conversation runs. Every event of a conversation is handled
// under that conversation's lock, so a run advances at most once at a time.
type Engine struct {
	flows       persistence.FlowRepository
	runs        persistence.RunRepository
	locker      locks.Locker
	scheduler   scheduler.Scheduler
	publisher   eventbus.EventPublisher
	classifier  intent.Classifier
	metrics     metrics.Metrics
	tracer      trace.Tracer
	dispatcher  ActionDispatcher
	machine     *Machine
	fallback    FallbackReplies
	logger      *slog.Logger
	dedupWindow time.Duration
	now         func() time.Time

	graphsMu sync.RWMutex
	graphs   map[string]*models.CompiledGraph
}

func New(deps Dependencies, opts ...Option) *Engine {
	e := &Engine{
		flows:       deps.Flows,
		runs:        deps.Runs,
		locker:      deps.Locker,
		scheduler:   deps.Scheduler,
		publisher:   deps.Publisher,
		classifier:  deps.Classifier,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		dispatcher:  deps.Dispatcher,
		logger:      log.WithModule("engine"),
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
		graphs:      make(map[string]*models.CompiledGraph),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.locker == nil {
		e.locker = locks.NewKeyedMutex()
	}

	if e.classifier == nil {
		e.classifier = intent.KeywordClassifier{}
	}

	if e.metrics == nil {
		e.metrics = metrics.Noop{}
	}

	if e.tracer == nil {
		e.tracer = otelhelper.NoopTracer()
	}

	e.machine = NewMachine(deps.Dispatcher,
		WithJournal(JournalFunc(e.runs.Save)),
		WithMachineClock(e.now),
	)

	return e
}

// Register subscribes the engine to its input events.
func (e *Engine) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range []events.EventType{
		events.InboundMessageEvent,
		events.RunStartRequestedEvent,
		events.RunCancelRequestedEvent,
		events.RunTimerFiredEvent,
	} {
		err := bus.Handle(eventType, e.Handle)
		if err != nil {
			return fmt.Errorf("register %s handler: %w", eventType, err)
		}
	}

	return nil
}

// Handle routes a bus event to its handler. A returned error means the event
// should be redelivered.
func (e *Engine) Handle(ctx context.Context, event any) error {
	switch ev := event.(type) {
	case *events.InboundMessage:
		return e.HandleInbound(ctx, *ev)
	case *events.RunStartRequested:
		return e.HandleStart(ctx, *ev)
	case *events.RunCancelRequested:
		return e.HandleCancel(ctx, *ev)
	case *events.RunTimerFired:
		return e.HandleTimer(ctx, *ev)
	case events.InboundMessage:
		return e.HandleInbound(ctx, ev)
	case events.RunStartRequested:
		return e.HandleStart(ctx, ev)
	case events.RunCancelRequested:
		return e.HandleCancel(ctx, ev)
	case events.RunTimerFired:
		return e.HandleTimer(ctx, ev)
	default:
		e.logger.WarnContext(ctx, "ignoring unsupported event", "type", fmt.Sprintf("%T", event))

		return nil
	}
}

// HandleInbound advances the conversation's run with a contact message, or
// starts a run from the organization's active flow when none is active.
func (e *Engine) HandleInbound(ctx context.Context, msg events.InboundMessage) (err error) {
	ctx, span := e.startSpan(ctx, "engine.inbound", msg.BaseEvent)
	defer e.finish(ctx, span, events.InboundMessageEvent, &err)

	if msg.ConversationID == "" {
		e.logger.WarnContext(ctx, "inbound message without conversation", "message_id", msg.MessageID)
		e.metrics.IncEvents(string(events.InboundMessageEvent), outcomeIgnored)

		return nil
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = e.now()
	}

	return e.withLock(ctx, msg.ConversationID, func(ctx context.Context) error {
		if msg.MessageID == "" {
			return e.route(ctx, msg, receivedAt)
		}

		first, err := e.runs.MarkMessageProcessed(ctx, msg.ConversationID, msg.MessageID, e.dedupWindow)
		if err != nil {
			return fmt.Errorf("deduplicate message %s: %w", msg.MessageID, err)
		}

		if !first {
			e.logger.DebugContext(ctx, "duplicate inbound message", "conversation_id", msg.ConversationID, "message_id", msg.MessageID)
			e.metrics.IncEvents(string(events.InboundMessageEvent), outcomeDuplicate)

			return nil
		}

		err = e.route(ctx, msg, receivedAt)
		if err != nil {
			// The message is redelivered, so it must not look processed.
			forgetErr := e.runs.ForgetMessage(ctx, msg.ConversationID, msg.MessageID)
			if forgetErr != nil {
				e.logger.ErrorContext(ctx, "failed to forget message", "conversation_id", msg.ConversationID,
					"message_id", msg.MessageID, "error", forgetErr)
			}

			return err
		}

		return nil
	})
}

// route hands a new inbound message to the active run, or starts one.
func (e *Engine) route(ctx context.Context, msg events.InboundMessage, receivedAt time.Time) error {
	run, err := e.current(ctx, msg.ConversationID)
	if err != nil {
		return err
	}

	if run != nil && !run.Status.Terminal() {
		return e.apply(ctx, run, InboundMessage(msg.MessageID, msg.Text, receivedAt), events.InboundMessageEvent)
	}

	if run != nil && run.FinishedAt != nil && receivedAt.Before(*run.FinishedAt) {
		e.logger.InfoContext(ctx, "discarding message older than the finished run",
			"conversation_id", msg.ConversationID, "run_id", run.ID, "message_id", msg.MessageID)
		e.metrics.IncEvents(string(events.InboundMessageEvent), outcomeIgnored)

		return nil
	}

	return e.start(ctx, startRequest{
		orgID:          msg.OrgID,
		channelID:      msg.ChannelID,
		conversationID: msg.ConversationID,
		contact:        msg.Contact,
		messageID:      msg.MessageID,
		intent:         e.classifier.Classify(msg.Text),
		inboundAt:      &receivedAt,
		eventType:      events.InboundMessageEvent,
	})
}

// HandleStart starts a run without an inbound message.
func (e *Engine) HandleStart(ctx context.Context, req events.RunStartRequested) (err error) {
	ctx, span := e.startSpan(ctx, "engine.start", req.BaseEvent)
	defer e.finish(ctx, span, events.RunStartRequestedEvent, &err)

	return e.withLock(ctx, req.ConversationID, func(ctx context.Context) error {
		run, err := e.current(ctx, req.ConversationID)
		if err != nil {
			return err
		}

		if run != nil && !run.Status.Terminal() {
			e.logger.InfoContext(ctx, "conversation already has an active run",
				"conversation_id", req.ConversationID, "run_id", run.ID)
			e.metrics.IncEvents(string(events.RunStartRequestedEvent), outcomeIgnored)

			return nil
		}

		start := startRequest{
			orgID:          req.OrgID,
			channelID:      req.ChannelID,
			conversationID: req.ConversationID,
			contact:        req.Contact,
			flowID:         req.FlowID,
			intent:         req.Intent,
			eventType:      events.RunStartRequestedEvent,
		}

		if start.intent == "" {
			start.intent = models.IntentDefault
		}

		if run != nil {
			start.inboundAt = run.LastInboundAt
		}

		return e.start(ctx, start)
	})
}

// HandleCancel completes the conversation's active run.
func (e *Engine) HandleCancel(ctx context.Context, req events.RunCancelRequested) (err error) {
	ctx, span := e.startSpan(ctx, "engine.cancel", req.BaseEvent)
	defer e.finish(ctx, span, events.RunCancelRequestedEvent, &err)

	return e.withLock(ctx, req.ConversationID, func(ctx context.Context) error {
		run, err := e.current(ctx, req.ConversationID)
		if err != nil {
			return err
		}

		if run == nil || (req.RunID != "" && run.ID != req.RunID) {
			e.logger.InfoContext(ctx, "no run to cancel", "conversation_id", req.ConversationID, "run_id", req.RunID)
			e.metrics.IncEvents(string(events.RunCancelRequestedEvent), outcomeIgnored)

			return nil
		}

		e.logger.InfoContext(ctx, "cancelling run", "run_id", run.ID, "reason", req.Reason)

		return e.apply(ctx, run, RunCancelled(req.Reason, e.now()), events.RunCancelRequestedEvent)
	})
}

// Cancel completes the active run of a conversation.
func (e *Engine) Cancel(ctx context.Context, conversationID, reason string) error {
	return e.HandleCancel(ctx, events.RunCancelRequested{
		BaseEvent: events.NewBaseEvent(events.RunCancelRequestedEvent, conversationID),
		Reason:    reason,
	})
}

// HandleTimer resumes a run whose wait is due. Timers of unknown, finished or
// moved runs are dropped.
func (e *Engine) HandleTimer(ctx context.Context, fired events.RunTimerFired) (err error) {
	ctx, span := e.startSpan(ctx, "engine.timer", fired.BaseEvent, attribute.String(otelhelper.RunIDKey, fired.RunID))
	defer e.finish(ctx, span, events.RunTimerFiredEvent, &err)

	return e.withLock(ctx, fired.ConversationID, func(ctx context.Context) error {
		run, err := e.runs.Get(ctx, fired.RunID)
		if persistence.IsRunNotFound(err) {
			e.logger.WarnContext(ctx, "timer fired for unknown run", "run_id", fired.RunID)
			e.metrics.IncEvents(string(events.RunTimerFiredEvent), outcomeIgnored)

			return nil
		}

		if err != nil {
			return fmt.Errorf("load run %s: %w", fired.RunID, err)
		}

		if run.ConversationID != fired.ConversationID {
			e.logger.WarnContext(ctx, "timer conversation does not match its run",
				"run_id", run.ID, "conversation_id", fired.ConversationID)
			e.metrics.IncEvents(string(events.RunTimerFiredEvent), outcomeIgnored)

			return nil
		}

		return e.apply(ctx, run, TimerFired(fired.RunID, fired.Path, fired.Cursor, e.now()), events.RunTimerFiredEvent)
	})
}

type startRequest struct {
	orgID          string
	channelID      string
	conversationID string
	contact        string
	flowID         string
	messageID      string
	intent         string
	inboundAt      *time.Time
	eventType      events.EventType
}

func (e *Engine) start(ctx context.Context, req startRequest) error {
	flow, err := e.flowFor(ctx, req.orgID, req.flowID)
	if persistence.IsFlowNotFound(err) && e.fallback != nil && req.eventType == events.InboundMessageEvent {
		return e.reply(ctx, req)
	}

	if persistence.IsFlowNotFound(err) {
		e.logger.InfoContext(ctx, "no flow to start", "org_id", req.orgID, "flow_id", req.flowID,
			"conversation_id", req.conversationID)
		e.metrics.IncEvents(string(req.eventType), outcomeIgnored)

		return nil
	}

	if err != nil {
		return err
	}

	e.cacheGraph(flow)

	now := e.now().UTC()
	run := &models.ConversationRun{
		ID:             uuid.NewString(),
		ConversationID: req.conversationID,
		OrgID:          flow.OrgID,
		ChannelID:      req.channelID,
		Contact:        req.contact,
		GraphName:      flow.Name,
		GraphVersion:   flow.Version,
		Intent:         req.intent,
		CurrentPath:    flow.Graph.IntentMap().Resolve(req.intent),
		Status:         models.RunStatusRunning,
		Attributes:     make(map[string]string),
		LastInboundAt:  req.inboundAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = e.runs.Save(ctx, run)
	if err != nil {
		return fmt.Errorf("create run for conversation %s: %w", req.conversationID, err)
	}

	e.metrics.IncRunsStarted(run.GraphName)
	e.logger.InfoContext(ctx, "run started", "run_id", run.ID, "conversation_id", run.ConversationID,
		"graph", run.GraphName, "version", run.GraphVersion, "intent", run.Intent, "path", run.CurrentPath)

	return e.advance(ctx, flow.Graph, run, RunStarted(now), req.eventType, outcomeStarted)
}

func (e *Engine) flowFor(ctx context.Context, orgID, flowID string) (*models.Flow, error) {
	if flowID != "" {
		return e.flows.Get(ctx, flowID)
	}

	return e.flows.Active(ctx, orgID)
}

// apply advances an existing run with event.
func (e *Engine) apply(ctx context.Context, run *models.ConversationRun, event Event, eventType events.EventType) error {
	graph, err := e.graph(ctx, run)
	if err != nil {
		return err
	}

	return e.advance(ctx, graph, run, event, eventType, outcomeAdvanced)
}

func (e *Engine) advance(ctx context.Context, graph *models.CompiledGraph, run *models.ConversationRun, event Event, eventType events.EventType, outcome string) error {
	startedAt := time.Now()

	tr, err := e.machine.Advance(ctx, graph, run, event)

	e.metrics.ObserveAdvance(string(eventType), time.Since(startedAt).Seconds())

	if errors.Is(err, ErrAborted) {
		e.logger.WarnContext(ctx, "discarding transition", "run_id", run.ID, "error", err)
		e.metrics.IncEvents(string(eventType), outcomeAborted)

		return nil
	}

	if err != nil {
		return fmt.Errorf("advance run %s: %w", run.ID, err)
	}

	if !tr.Changed {
		e.logger.DebugContext(ctx, "event ignored", "run_id", run.ID, "event", event.Kind, "reason", tr.Ignored)
		e.metrics.IncEvents(string(eventType), outcomeIgnored)

		return nil
	}

	next := tr.Run

	err = e.runs.Save(ctx, next)
	if err != nil {
		return fmt.Errorf("save run %s: %w", next.ID, err)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(otelhelper.RunIDKey, next.ID),
		attribute.String(otelhelper.RunStatusKey, string(next.Status)),
		attribute.String(otelhelper.PathKey, next.CurrentPath),
		attribute.Int(otelhelper.CursorKey, next.Cursor),
	)

	e.timers(ctx, tr)

	if tr.StatusChanged() {
		e.publishStatus(ctx, tr)
	}

	e.publishAttributes(ctx, run, next)

	if next.Status.Terminal() {
		e.metrics.IncRunsFinished(next.GraphName, string(next.Status))
		e.logger.InfoContext(ctx, "run finished", "run_id", next.ID, "status", next.Status,
			"error_code", next.ErrorCode, "error", next.LastError)
	}

	e.metrics.IncEvents(string(eventType), outcome)

	return nil
}

// timers applies the timer side of a transition. The run is already saved, so
// a failure here is recovered by the sweeper and only logged.
func (e *Engine) timers(ctx context.Context, tr Transition) {
	if e.scheduler == nil {
		return
	}

	if tr.Timer != nil {
		err := e.scheduler.Schedule(ctx, *tr.Timer)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to schedule timer", "run_id", tr.Timer.RunID, "error", err)
		}

		return
	}

	if tr.CancelTimer {
		err := e.scheduler.Cancel(ctx, tr.Run.ID)
		if err != nil {
			e.logger.ErrorContext(ctx, "failed to cancel timer", "run_id", tr.Run.ID, "error", err)
		}
	}
}

func (e *Engine) publishStatus(ctx context.Context, tr Transition) {
	if e.publisher == nil {
		return
	}

	event := tr.StatusEvent()

	err := e.publisher.Publish(ctx, event.ConversationID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish run status", "run_id", event.RunID, "status", event.Status, "error", err)
	}
}

// publishAttributes announces the attributes the transition set or changed.
func (e *Engine) publishAttributes(ctx context.Context, before, after *models.ConversationRun) {
	if e.publisher == nil {
		return
	}

	changed := ChangedAttributes(before.Attributes, after.Attributes)
	if len(changed) == 0 {
		return
	}

	event := events.ContactAttributesChanged{
		BaseEvent:  events.NewBaseEvent(events.ContactAttributesChangedEvent, after.ConversationID),
		OrgID:      after.OrgID,
		RunID:      after.ID,
		Contact:    after.Contact,
		Attributes: changed,
	}

	err := e.publisher.Publish(ctx, event.ConversationID, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish contact attributes", "run_id", after.ID, "error", err)
	}
}

// ChangedAttributes returns the entries of after that are new or differ from
// before, or nil.
func ChangedAttributes(before, after map[string]string) map[string]string {
	var changed map[string]string

	for key, value := range after {
		if old, ok := before[key]; ok && old == value {
			continue
		}

		if changed == nil {
			changed = make(map[string]string)
		}

		changed[key] = value
	}

	return changed
}

// StatusEvent builds the status notification of the transition.
func (t Transition) StatusEvent() events.RunStatusChanged {
	run := t.Run

	return events.RunStatusChanged{
		BaseEvent:      events.NewBaseEvent(events.RunStatusChangedEvent, run.ConversationID),
		RunID:          run.ID,
		OrgID:          run.OrgID,
		GraphName:      run.GraphName,
		GraphVersion:   run.GraphVersion,
		Status:         run.Status,
		PreviousStatus: t.PreviousStatus,
		Path:           run.CurrentPath,
		Cursor:         run.Cursor,
		ErrorCode:      run.ErrorCode,
		Error:          run.LastError,
	}
}

// current returns the conversation's latest run, or nil.
func (e *Engine) current(ctx context.Context, conversationID string) (*models.ConversationRun, error) {
	run, err := e.runs.Load(ctx, conversationID)
	if persistence.IsRunNotFound(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	return run, nil
}

// graph returns the compiled graph a run executes. Published versions never
// change, so they are cached for the life of the process.
func (e *Engine) graph(ctx context.Context, run *models.ConversationRun) (*models.CompiledGraph, error) {
	key := graphKey(run.OrgID, run.GraphName, run.GraphVersion)

	e.graphsMu.RLock()
	graph, ok := e.graphs[key]
	e.graphsMu.RUnlock()

	if ok {
		return graph, nil
	}

	flow, err := e.flows.Version(ctx, run.OrgID, run.GraphName, run.GraphVersion)
	if err != nil {
		return nil, fmt.Errorf("load graph %s v%d: %w", run.GraphName, run.GraphVersion, err)
	}

	e.cacheGraph(flow)

	return flow.Graph, nil
}

func (e *Engine) cacheGraph(flow *models.Flow) {
	e.graphsMu.Lock()
	e.graphs[graphKey(flow.OrgID, flow.Name, flow.Version)] = flow.Graph
	e.graphsMu.Unlock()
}

func graphKey(orgID, name string, version int) string {
	return orgID + "/" + name + "/" + strconv.Itoa(version)
}

func (e *Engine) withLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	unlock, err := e.locker.Lock(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("lock conversation %s: %w", conversationID, err)
	}
	defer unlock()

	return fn(ctx)
}

// nolint:spancheck // the span is ended by finish
func (e *Engine) startSpan(ctx context.Context, name string, base events.BaseEvent, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(otelhelper.ConversationIDKey, base.ConversationID),
		attribute.String(otelhelper.EventIDKey, base.ID),
		attribute.String(otelhelper.EventTypeKey, string(base.Type)),
	)

	return otelhelper.StartSpan(ctx, e.tracer, name, attrs...)
}

func (e *Engine) finish(ctx context.Context, span trace.Span, eventType events.EventType, err *error) {
	if *err != nil {
		otelhelper.SetError(span, *err)
		e.metrics.IncEvents(string(eventType), outcomeError)
		e.logger.ErrorContext(ctx, "failed to handle event", "type", eventType, "error", *err)
	}

	span.End()
}
