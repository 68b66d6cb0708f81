// Package dispatcher executes the side effects of action steps: outbound
// WhatsApp text and webhooks. Every dispatch carries an idempotency key
// derived from the step position so re-dispatches are harmless.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nexia/flowengine/pkg/log"
	"github.com/nexia/flowengine/pkg/metrics"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
)

const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 5 * time.Minute
	DefaultWindow          = 24 * time.Hour
)

var ErrAlreadyReplayed = errors.New("dead letter was already replayed")

// OutboundText is a send_text action ready for delivery.
type OutboundText struct {
	OrgID          string
	ChannelID      string
	ConversationID string
	RunID          string
	To             string
	Text           string
	IdempotencyKey string
}

// WebhookCall is a webhook action ready for delivery.
type WebhookCall struct {
	OrgID          string
	ConversationID string
	RunID          string
	Path           string
	Cursor         int
	IdempotencyKey string
	Data           *models.WebhookData
	Attributes     map[string]string
}

type MessageSender interface {
	SendText(ctx context.Context, msg OutboundText) error
}

type WebhookSender interface {
	SendWebhook(ctx context.Context, call WebhookCall) error
}

// RunReader re-reads a run right before its side effect is executed.
type RunReader interface {
	Get(ctx context.Context, runID string) (*models.ConversationRun, error)
}

// Request is one action step of a run. Attempt is 1 for the first try.
type Request struct {
	Run     *models.ConversationRun
	Step    models.Step
	Attempt int
}

// NewRequest builds the request for the step at the run's cursor.
func NewRequest(run *models.ConversationRun, step models.Step) Request {
	return Request{Run: run, Step: step, Attempt: run.Attempts + 1}
}

func (r Request) IdempotencyKey() string {
	return IdempotencyKey(r.Run.ConversationID, r.Run.ID, r.Run.CurrentPath, r.Run.Cursor)
}

type Option func(*Dispatcher)

func WithRunReader(runs RunReader) Option {
	return func(d *Dispatcher) { d.runs = runs }
}

func WithDeadLetters(repo persistence.DeadLetterRepository) Option {
	return func(d *Dispatcher) { d.deadLetters = repo }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetryPolicy sets how many retries follow the first attempt and the
// exponential backoff between them.
func WithRetryPolicy(maxRetries int, initial, maxInterval time.Duration) Option {
	return func(d *Dispatcher) {
		if maxRetries >= 0 {
			d.maxRetries = maxRetries
		}

		if initial > 0 {
			d.initialInterval = initial
		}

		if maxInterval > 0 {
			d.maxInterval = maxInterval
		}
	}
}

// WithWindow sets the customer-service window. Zero disables the check.
func WithWindow(window time.Duration) Option {
	return func(d *Dispatcher) { d.window = window }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type Dispatcher struct {
	messages        MessageSender
	webhooks        WebhookSender
	runs            RunReader
	deadLetters     persistence.DeadLetterRepository
	metrics         metrics.Metrics
	logger          *slog.Logger
	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration
	window          time.Duration
	now             func() time.Time
}

func New(messages MessageSender, webhooks WebhookSender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		messages:        messages,
		webhooks:        webhooks,
		metrics:         metrics.Noop{},
		logger:          log.WithModule("dispatcher"),
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		window:          DefaultWindow,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch executes one attempt of an action step. A retryable outcome
// carries the delay before the next attempt; once the retry budget is spent
// webhooks are dead-lettered and every action turns permanent. Webhooks the
// receiver rejects outright are dead-lettered at once.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	outcome := d.attempt(ctx, req)

	switch {
	case outcome.Retryable():
		outcome = d.exhaust(ctx, req, outcome)
	case outcome.Permanent() && outcome.Code == CodeDeliveryFailed && d.deadLettered(req):
		outcome = d.deadLetter(ctx, req, outcome)
	}

	d.metrics.IncDispatches(string(req.Step.Action), string(outcome.Status))

	logger := d.logger.With(
		"conversation_id", req.Run.ConversationID,
		"run_id", req.Run.ID,
		"path", req.Run.CurrentPath,
		"cursor", req.Run.Cursor,
		"action", req.Step.Action,
		"attempt", req.Attempt,
	)

	switch outcome.Status {
	case StatusDelivered:
		logger.DebugContext(ctx, "action delivered")
	case StatusRetryable:
		logger.WarnContext(ctx, "action failed, will retry", "retry_after", outcome.RetryAfter, "error", outcome.Err)
	case StatusPermanent:
		logger.ErrorContext(ctx, "action failed permanently", "code", outcome.Code, "error", outcome.Err)
	}

	return outcome
}

func (d *Dispatcher) attempt(ctx context.Context, req Request) Outcome {
	if req.Run == nil || req.Step.Type != models.StepTypeAction {
		return Outcome{Status: StatusPermanent, Err: errors.New("dispatch needs a run and an action step"), Code: CodeInvalidRequest}
	}

	err := d.checkRun(ctx, req.Run)
	if err != nil {
		return Classify(err)
	}

	switch req.Step.Action {
	case models.ActionSendText:
		if !d.withinWindow(req.Run.LastInboundAt) {
			return Classify(ErrOutsideWindow)
		}

		return Classify(d.messages.SendText(ctx, OutboundText{
			OrgID:          req.Run.OrgID,
			ChannelID:      req.Run.ChannelID,
			ConversationID: req.Run.ConversationID,
			RunID:          req.Run.ID,
			To:             req.Run.Contact,
			Text:           req.Step.Text,
			IdempotencyKey: req.IdempotencyKey(),
		}))
	case models.ActionWebhook:
		return Classify(d.webhooks.SendWebhook(ctx, WebhookCall{
			OrgID:          req.Run.OrgID,
			ConversationID: req.Run.ConversationID,
			RunID:          req.Run.ID,
			Path:           req.Run.CurrentPath,
			Cursor:         req.Run.Cursor,
			IdempotencyKey: req.IdempotencyKey(),
			Data:           req.Step.Data,
			Attributes:     req.Run.Attributes,
		}))
	default:
		return Outcome{
			Status: StatusPermanent,
			Err:    fmt.Errorf("action %q is not supported", req.Step.Action),
			Code:   CodeUnsupportedAction,
		}
	}
}

// checkRun makes sure the persisted run is still the version the decision
// was taken on and has not been finished, for example by a cancellation.
func (d *Dispatcher) checkRun(ctx context.Context, run *models.ConversationRun) error {
	if d.runs == nil || run.Version == 0 {
		return nil
	}

	stored, err := d.runs.Get(ctx, run.ID)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return fmt.Errorf("%w: %w", ErrRunInactive, err)
		}

		return Retryable(err)
	}

	if stored.Status.Terminal() || stored.Version != run.Version {
		return fmt.Errorf("%w: status %s, version %d", ErrRunInactive, stored.Status, stored.Version)
	}

	return nil
}

func (d *Dispatcher) withinWindow(lastInbound *time.Time) bool {
	if d.window <= 0 {
		return true
	}

	if lastInbound == nil {
		return false
	}

	return d.now().Sub(*lastInbound) <= d.window
}

func (d *Dispatcher) exhaust(ctx context.Context, req Request, outcome Outcome) Outcome {
	if req.Attempt <= d.maxRetries {
		outcome.RetryAfter = d.Backoff(req.Attempt)

		return outcome
	}

	if !d.deadLettered(req) {
		return Outcome{
			Status: StatusPermanent,
			Err:    fmt.Errorf("giving up after %d attempts: %w", req.Attempt, outcome.Err),
			Code:   CodeRetriesExhausted,
		}
	}

	return d.deadLetter(ctx, req, outcome)
}

// deadLettered reports whether failed deliveries of req are kept for replay.
func (d *Dispatcher) deadLettered(req Request) bool {
	return req.Step.Action == models.ActionWebhook && d.deadLetters != nil
}

// deadLetter stores the failed call and turns the outcome permanent. When the
// letter cannot be stored a retryable outcome is retried later instead, and a
// permanent one is returned unchanged.
func (d *Dispatcher) deadLetter(ctx context.Context, req Request, outcome Outcome) Outcome {
	letter := &models.DeadLetter{
		ID:             uuid.New().String(),
		Kind:           req.Step.Action,
		OrgID:          req.Run.OrgID,
		RunID:          req.Run.ID,
		ConversationID: req.Run.ConversationID,
		Path:           req.Run.CurrentPath,
		Cursor:         req.Run.Cursor,
		IdempotencyKey: req.IdempotencyKey(),
		Step:           req.Step,
		Error:          outcome.Err.Error(),
		Attempts:       req.Attempt,
		Status:         models.DeadLetterPending,
		CreatedAt:      d.now().UTC(),
	}

	err := d.deadLetters.Add(ctx, letter)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to store dead letter", "run_id", req.Run.ID, "error", err)

		if outcome.Retryable() {
			outcome.RetryAfter = d.Backoff(req.Attempt)
		}

		return outcome
	}

	d.metrics.IncDeadLetters(string(req.Step.Action))

	return Outcome{
		Status: StatusPermanent,
		Err:    fmt.Errorf("dead-lettered as %s after %d attempts: %w", letter.ID, req.Attempt, outcome.Err),
		Code:   CodeDeadLettered,
	}
}

// Backoff returns the delay after the given failed attempt: the initial
// interval doubled per attempt, capped at the max interval.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.initialInterval),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(d.maxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	next := d.initialInterval
	for range max(attempt, 1) {
		next = b.NextBackOff()
	}

	return next
}

// Replay re-sends a dead letter once and marks it replayed on success.
func (d *Dispatcher) Replay(ctx context.Context, id string) (Outcome, error) {
	if d.deadLetters == nil {
		return Outcome{}, errors.New("dead letters are not configured")
	}

	letter, err := d.deadLetters.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	if letter.Status == models.DeadLetterReplayed {
		return Outcome{}, ErrAlreadyReplayed
	}

	var outcome Outcome

	switch letter.Kind {
	case models.ActionWebhook:
		outcome = Classify(d.webhooks.SendWebhook(ctx, WebhookCall{
			OrgID:          letter.OrgID,
			ConversationID: letter.ConversationID,
			RunID:          letter.RunID,
			Path:           letter.Path,
			Cursor:         letter.Cursor,
			IdempotencyKey: letter.IdempotencyKey,
			Data:           letter.Step.Data,
		}))
	default:
		outcome = Outcome{
			Status: StatusPermanent,
			Err:    fmt.Errorf("dead letters of kind %q cannot be replayed", letter.Kind),
			Code:   CodeUnsupportedAction,
		}
	}

	d.metrics.IncDispatches(string(letter.Kind), "replay_"+string(outcome.Status))

	if !outcome.Delivered() {
		d.logger.WarnContext(ctx, "dead letter replay failed", "dead_letter_id", id, "error", outcome.Err)

		return outcome, nil
	}

	err = d.deadLetters.MarkReplayed(ctx, id, d.now())
	if err != nil {
		return outcome, fmt.Errorf("mark dead letter %s replayed: %w", id, err)
	}

	d.logger.InfoContext(ctx, "dead letter replayed", "dead_letter_id", id, "run_id", letter.RunID)

	return outcome, nil
}
