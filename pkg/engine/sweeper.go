package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexia/flowengine/pkg/eventbus"
	"github.com/nexia/flowengine/pkg/events"
	"github.com/nexia/flowengine/pkg/log"
	"github.com/nexia/flowengine/pkg/models"
	"github.com/nexia/flowengine/pkg/persistence"
	"github.com/nexia/flowengine/pkg/scheduler"
)

const (
	DefaultSweepSchedule = "@every 30s"
	DefaultSweepGrace    = time.Minute
	DefaultSweepBatch    = 500
)

type SweeperOption func(*Sweeper)

// WithSweepSchedule sets the cron expression the sweep runs on.
func WithSweepSchedule(spec string) SweeperOption {
	return func(s *Sweeper) { s.spec = spec }
}

// WithSweepGrace sets how long past its deadline a wait must be before the
// sweeper considers its timer lost.
func WithSweepGrace(grace time.Duration) SweeperOption {
	return func(s *Sweeper) { s.grace = grace }
}

func WithSweepBatch(limit int) SweeperOption {
	return func(s *Sweeper) { s.batch = limit }
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// Sweeper re-fires the timers of runs whose deadline passed long ago, so a
// timer lost by the scheduler still resumes its run.
type Sweeper struct {
	runs   persistence.RunRepository
	fire   scheduler.FireFunc
	spec   string
	grace  time.Duration
	batch  int
	now    func() time.Time
	logger *slog.Logger
}

func NewSweeper(runs persistence.RunRepository, fire scheduler.FireFunc, opts ...SweeperOption) (*Sweeper, error) {
	s := &Sweeper{
		runs:   runs,
		fire:   fire,
		spec:   DefaultSweepSchedule,
		grace:  DefaultSweepGrace,
		batch:  DefaultSweepBatch,
		now:    time.Now,
		logger: log.WithModule("sweeper"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if _, err := cron.ParseStandard(s.spec); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", s.spec, err)
	}

	return s, nil
}

// Run sweeps on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := cronLogger{logger: s.logger}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	_, err := c.AddFunc(s.spec, func() {
		fired, err := s.Sweep(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "sweep failed", "error", err)

			return
		}

		if fired > 0 {
			s.logger.InfoContext(ctx, "re-fired overdue timers", "count", fired)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.logger.InfoContext(ctx, "starting sweeper", "schedule", s.spec, "grace", s.grace)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}

// Sweep fires one batch of overdue waits and returns how many it fired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.runs.ListDue(ctx, s.now().Add(-s.grace), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list overdue runs: %w", err)
	}

	fired := 0

	for _, run := range due {
		if run.WaitDeadline == nil || run.Status.Terminal() {
			continue
		}

		err := s.fire(ctx, models.Timer{
			RunID:          run.ID,
			ConversationID: run.ConversationID,
			Path:           run.CurrentPath,
			Cursor:         run.Cursor,
			FireAt:         *run.WaitDeadline,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to re-fire timer", "run_id", run.ID, "error", err)

			continue
		}

		fired++
	}

	return fired, nil
}

// PublishTimers returns a FireFunc that turns due timers into RunTimerFired
// events, so they reach the engine through the bus like any other input.
func PublishTimers(publisher eventbus.EventPublisher) scheduler.FireFunc {
	return func(ctx context.Context, timer models.Timer) error {
		event := events.RunTimerFired{
			BaseEvent: events.NewBaseEvent(events.RunTimerFiredEvent, timer.ConversationID),
			RunID:     timer.RunID,
			Path:      timer.Path,
			Cursor:    timer.Cursor,
			FireAt:    timer.FireAt,
		}

		return publisher.Publish(ctx, timer.ConversationID, event)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
