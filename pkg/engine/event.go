package engine

import "time"

// EventKind discriminates the inputs of the state machine.
type EventKind string

const (
	KindRunStarted     EventKind = "run_started"
	KindInboundMessage EventKind = "inbound_message"
	KindTimerFired     EventKind = "timer_fired"
	KindRunCancelled   EventKind = "run_cancelled"
)

// Event is one input of Machine.Advance. At is when the event happened; a
// zero At means now.
type Event struct {
	Kind      EventKind
	MessageID string
	Text      string
	RunID     string
	Path      string
	Cursor    int
	Reason    string
	At        time.Time
}

func RunStarted(at time.Time) Event {
	return Event{Kind: KindRunStarted, At: at}
}

func InboundMessage(messageID, text string, at time.Time) Event {
	return Event{Kind: KindInboundMessage, MessageID: messageID, Text: text, At: at}
}

// TimerFired resumes the wait armed at (path, cursor) of run runID.
func TimerFired(runID, path string, cursor int, at time.Time) Event {
	return Event{Kind: KindTimerFired, RunID: runID, Path: path, Cursor: cursor, At: at}
}

func RunCancelled(reason string, at time.Time) Event {
	return Event{Kind: KindRunCancelled, Reason: reason, At: at}
}
