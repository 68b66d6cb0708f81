package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nexia/flowengine/pkg/log"
	"github.com/nexia/flowengine/pkg/models"
)

const memoryRetryDelay = time.Second

// MemoryScheduler keeps timers in process with time.AfterFunc. Timers are
// lost on restart; the engine sweeper re-fires overdue runs.
type MemoryScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending []models.Timer
	fire    FireFunc
	ctx     context.Context
	logger  *slog.Logger
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		timers: make(map[string]*time.Timer),
		logger: log.WithModule("scheduler"),
	}
}

func (s *MemoryScheduler) Schedule(_ context.Context, timer models.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.arm(timer, time.Until(timer.FireAt))

	return nil
}

func (s *MemoryScheduler) arm(timer models.Timer, delay time.Duration) {
	if previous, ok := s.timers[timer.RunID]; ok {
		previous.Stop()
	}

	var t *time.Timer

	t = time.AfterFunc(max(delay, 0), func() {
		s.deliver(timer, t)
	})

	s.timers[timer.RunID] = t
}

func (s *MemoryScheduler) deliver(timer models.Timer, self *time.Timer) {
	s.mu.Lock()

	if s.timers[timer.RunID] != self {
		s.mu.Unlock()

		return
	}

	delete(s.timers, timer.RunID)

	fire, ctx := s.fire, s.ctx
	if fire == nil {
		s.pending = append(s.pending, timer)
		s.mu.Unlock()

		return
	}

	s.mu.Unlock()

	err := fire(ctx, timer)
	if err != nil {
		s.logger.WarnContext(ctx, "timer delivery failed, retrying", "run_id", timer.RunID, "error", err)

		s.mu.Lock()
		if _, replaced := s.timers[timer.RunID]; !replaced && ctx.Err() == nil {
			s.arm(timer, memoryRetryDelay)
		}
		s.mu.Unlock()
	}
}

func (s *MemoryScheduler) Cancel(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[runID]; ok {
		t.Stop()
		delete(s.timers, runID)
	}

	return nil
}

// Run installs fire, delivers timers that came due before Run started and
// blocks until ctx is done.
func (s *MemoryScheduler) Run(ctx context.Context, fire FireFunc) error {
	s.mu.Lock()
	s.fire = fire
	s.ctx = ctx
	pending := s.pending
	s.pending = nil

	for _, timer := range pending {
		s.arm(timer, 0)
	}
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	for runID, t := range s.timers {
		t.Stop()
		delete(s.timers, runID)
	}

	s.fire = nil

	return nil
}

// Pending reports the number of armed timers.
func (s *MemoryScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers) + len(s.pending)
}
