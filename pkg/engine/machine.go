// Package engine executes compiled graphs one conversation at a time.
//
// Machine is the state machine of a single run. Engine wraps it with the
// per-conversation lock, the run store, timers and status events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/nexia/flowengine/pkg/dispatcher"
	"github.com/nexia/flowengine/pkg/models"
)

// Failure codes recorded on runs that end in failed.
const (
	CodeUnknownPath        = "unknown_path"
	CodeUnknownTimeoutPath = "unknown_timeout_path"
	CodeInvalidPattern     = "invalid_pattern"
	CodeUnknownStep        = "unknown_step"
)

// ErrAborted is returned when the run changed under the machine while it was
// advancing; the transition must be discarded.
var ErrAborted = errors.New("advance aborted: run changed concurrently")

type ActionDispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) dispatcher.Outcome
}

// Journal persists intermediate states of an advance so a crash resumes from
// the last completed step. Checkpoint must update run.Version.
type Journal interface {
	Checkpoint(ctx context.Context, run *models.ConversationRun) error
}

// JournalFunc adapts a function to Journal.
type JournalFunc func(ctx context.Context, run *models.ConversationRun) error

func (f JournalFunc) Checkpoint(ctx context.Context, run *models.ConversationRun) error {
	return f(ctx, run)
}

// Transition is the result of one Advance.
type Transition struct {
	// Run is the new state; it is the input run when nothing changed.
	Run            *models.ConversationRun
	Changed        bool
	PreviousStatus models.RunStatus
	// Timer is the wait to arm, replacing any previous timer of the run.
	Timer *models.Timer
	// CancelTimer asks to drop the pending timer of the run.
	CancelTimer bool
	// Ignored explains why an event left the run untouched.
	Ignored string
}

// StatusChanged reports whether the transition moved the run to another status.
func (t Transition) StatusChanged() bool {
	return t.Changed && t.Run.Status != t.PreviousStatus
}

type MachineOption func(*Machine)

func WithJournal(journal Journal) MachineOption {
	return func(m *Machine) { m.journal = journal }
}

func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

type Machine struct {
	dispatcher ActionDispatcher
	journal    Journal
	now        func() time.Time
	patterns   sync.Map
}

func NewMachine(d ActionDispatcher, opts ...MachineOption) *Machine {
	m := &Machine{dispatcher: d, now: time.Now}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Advance applies event to run against graph. Steps run synchronously until
// the run suspends on a wait, finishes or fails. The input run is never
// modified.
func (m *Machine) Advance(ctx context.Context, graph *models.CompiledGraph, run *models.ConversationRun, event Event) (Transition, error) {
	tr := Transition{Run: run, PreviousStatus: run.Status}

	if run.Status.Terminal() {
		tr.Ignored = "run is " + string(run.Status)

		return tr, nil
	}

	at := event.At
	if at.IsZero() {
		at = m.now()
	}

	next := run.Clone()
	resume := false

	switch event.Kind {
	case KindRunStarted:
		if next.Status != models.RunStatusRunning || next.WaitDeadline != nil {
			tr.Ignored = "run already started"

			return tr, nil
		}

		resume = true
	case KindInboundMessage:
		inbound := at.UTC()
		next.LastInboundAt = &inbound
		tr.Changed = true

		switch {
		case next.Status == models.RunStatusWaitingReply:
			matched, err := m.matches(next.WaitPattern, event.Text)
			if err != nil {
				m.fail(next, at, CodeInvalidPattern, err)

				break
			}

			if !matched {
				tr.Ignored = "reply does not match the pattern"

				break
			}

			m.step(next)

			resume = true
		case next.Status == models.RunStatusRunning && next.WaitDeadline == nil:
			// Left running by an interrupted advance.
			resume = true
		default:
			tr.Ignored = "run is not waiting for a reply"
		}
	case KindTimerFired:
		if reason := stale(next, event, at); reason != "" {
			tr.Ignored = reason

			return tr, nil
		}

		tr.Changed = true

		switch next.Status {
		case models.RunStatusWaitingDelay:
			m.step(next)

			resume = true
		case models.RunStatusWaitingReply:
			resume = m.timeout(graph, next, at)
		default:
			// Retry of an action that failed transiently.
			next.ClearWait()

			resume = true
		}
	case KindRunCancelled:
		next.Finish(models.RunStatusCompleted, at.UTC())
		tr.Changed = true
	default:
		return tr, fmt.Errorf("unknown event kind %q", event.Kind)
	}

	if resume {
		tr.Changed = true

		err := m.execute(ctx, graph, next, at)
		if err != nil {
			return Transition{Run: run, PreviousStatus: run.Status}, err
		}
	}

	if tr.Changed {
		next.UpdatedAt = at.UTC()
		tr.Run = next
		m.timers(&tr, run, next)
	}

	return tr, nil
}

// stale returns why a timer no longer applies to the run, or "".
func stale(run *models.ConversationRun, event Event, at time.Time) string {
	switch {
	case event.RunID != "" && event.RunID != run.ID:
		return "timer belongs to another run"
	case run.WaitDeadline == nil:
		return "run is not waiting"
	case event.Path != run.CurrentPath || event.Cursor != run.Cursor:
		return "timer was armed for another step"
	case at.Before(*run.WaitDeadline):
		return "timer fired before the deadline"
	default:
		return ""
	}
}

// timeout handles an expired reply wait and reports whether to keep running.
func (m *Machine) timeout(graph *models.CompiledGraph, run *models.ConversationRun, at time.Time) bool {
	steps, _ := graph.Path(run.CurrentPath)

	timeoutPath := ""
	if run.Cursor < len(steps) {
		timeoutPath = steps[run.Cursor].TimeoutPath
	}

	if timeoutPath == "" {
		run.Finish(models.RunStatusCompleted, at.UTC())

		return false
	}

	if _, ok := graph.Path(timeoutPath); !ok {
		m.fail(run, at, CodeUnknownTimeoutPath, fmt.Errorf("timeout path %q does not exist", timeoutPath))

		return false
	}

	run.CurrentPath = timeoutPath
	run.Cursor = 0
	run.Attempts = 0
	run.Status = models.RunStatusRunning
	run.ClearWait()

	return true
}

// execute runs steps from the cursor until the run suspends or ends.
func (m *Machine) execute(ctx context.Context, graph *models.CompiledGraph, run *models.ConversationRun, at time.Time) error {
	run.Status = models.RunStatusRunning

	for {
		steps, ok := graph.Path(run.CurrentPath)
		if !ok {
			m.fail(run, at, CodeUnknownPath, fmt.Errorf("path %q does not exist in graph %s", run.CurrentPath, graph.Name))

			return nil
		}

		if run.Cursor >= len(steps) {
			run.Finish(models.RunStatusCompleted, m.now().UTC())

			return nil
		}

		step := steps[run.Cursor]

		switch step.Type {
		case models.StepTypeAction:
			outcome := m.dispatcher.Dispatch(ctx, dispatcher.NewRequest(run, step))

			switch {
			case outcome.Delivered():
				m.step(run)

				err := m.checkpoint(ctx, run)
				if err != nil {
					return err
				}
			case outcome.Retryable():
				run.Attempts++
				run.LastError = outcome.String()
				deadline := m.now().Add(outcome.RetryAfter).UTC()
				run.WaitDeadline = &deadline

				return nil
			case outcome.Code == dispatcher.CodeRunInactive:
				return fmt.Errorf("%w: %s", ErrAborted, outcome)
			default:
				m.fail(run, at, outcome.Code, outcome.Err)

				return nil
			}
		case models.StepTypeWait:
			if step.Seconds <= 0 {
				m.step(run)

				continue
			}

			deadline := m.now().Add(time.Duration(step.Seconds) * time.Second).UTC()
			run.Status = models.RunStatusWaitingDelay
			run.WaitDeadline = &deadline

			return nil
		case models.StepTypeSetAttribute:
			if run.Attributes == nil {
				run.Attributes = make(map[string]string)
			}

			run.Attributes[step.Key] = step.Value
			m.step(run)

			err := m.checkpoint(ctx, run)
			if err != nil {
				return err
			}
		case models.StepTypeWaitForReply:
			run.Status = models.RunStatusWaitingReply
			run.ClearWait()

			if step.Pattern != "" {
				_, err := m.compile(step.Pattern)
				if err != nil {
					m.fail(run, at, CodeInvalidPattern, err)

					return nil
				}

				pattern := step.Pattern
				run.WaitPattern = &pattern
			}

			if step.Seconds > 0 {
				deadline := m.now().Add(time.Duration(step.Seconds) * time.Second).UTC()
				run.WaitDeadline = &deadline
			}

			return nil
		default:
			m.fail(run, at, CodeUnknownStep, fmt.Errorf("step type %q is not supported", step.Type))

			return nil
		}
	}
}

// step moves the cursor past the current step.
func (m *Machine) step(run *models.ConversationRun) {
	run.Cursor++
	run.Attempts = 0
	run.LastError = ""
	run.Status = models.RunStatusRunning
	run.ClearWait()
}

func (m *Machine) fail(run *models.ConversationRun, at time.Time, code string, err error) {
	run.ErrorCode = code
	if err != nil {
		run.LastError = err.Error()
	}

	run.Finish(models.RunStatusFailed, at.UTC())
}

func (m *Machine) checkpoint(ctx context.Context, run *models.ConversationRun) error {
	if m.journal == nil {
		return nil
	}

	run.UpdatedAt = m.now().UTC()

	err := m.journal.Checkpoint(ctx, run)
	if err != nil {
		return fmt.Errorf("checkpoint run %s at %s[%d]: %w", run.ID, run.CurrentPath, run.Cursor, err)
	}

	return nil
}

// timers derives the timer operations from the state before and after.
func (m *Machine) timers(tr *Transition, before, after *models.ConversationRun) {
	if after.WaitDeadline != nil && !after.Status.Terminal() {
		tr.Timer = &models.Timer{
			RunID:          after.ID,
			ConversationID: after.ConversationID,
			Path:           after.CurrentPath,
			Cursor:         after.Cursor,
			FireAt:         *after.WaitDeadline,
		}

		return
	}

	if before.WaitDeadline != nil {
		tr.CancelTimer = true
	}
}

// matches applies a reply pattern: a missing pattern accepts any text, a
// pattern matches anywhere in the text and is case-sensitive.
func (m *Machine) matches(pattern *string, text string) (bool, error) {
	if pattern == nil || *pattern == "" {
		return true, nil
	}

	re, err := m.compile(*pattern)
	if err != nil {
		return false, err
	}

	return re.MatchString(text), nil
}

func (m *Machine) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := m.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}

	m.patterns.Store(pattern, re)

	return re, nil
}
