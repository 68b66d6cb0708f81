package dispatcher

import (
	"errors"
	"fmt"
	"time"
)

// Status is the result class of a dispatch.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusRetryable Status = "retryable"
	StatusPermanent Status = "permanent"
)

// Error codes surfaced on permanent outcomes. CodeOutsideWindow is part of
// the public contract with the dashboard and must not change.
const (
	CodeOutsideWindow     = "outside-24h-window"
	CodeDeadLettered      = "dead-lettered"
	CodeRetriesExhausted  = "retries-exhausted"
	CodeUnsupportedAction = "unsupported-action"
	CodeInvalidRequest    = "invalid-request"
	CodeRunInactive       = "run-inactive"
	CodeDeliveryFailed    = "delivery-failed"
)

var (
	// ErrOutsideWindow is returned when free text would be sent more than 24
	// hours after the contact's last inbound message.
	ErrOutsideWindow = errors.New(CodeOutsideWindow)
	// ErrRunInactive is returned when the run was finished or changed by
	// someone else between the engine's decision and the dispatch.
	ErrRunInactive = errors.New("run is no longer active")
)

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Status Status
	Err    error
	Code   string
	// RetryAfter is the delay before the next attempt of a retryable outcome.
	RetryAfter time.Duration
}

func Delivered() Outcome {
	return Outcome{Status: StatusDelivered}
}

func (o Outcome) Delivered() bool { return o.Status == StatusDelivered }

func (o Outcome) Retryable() bool { return o.Status == StatusRetryable }

func (o Outcome) Permanent() bool { return o.Status == StatusPermanent }

func (o Outcome) String() string {
	switch {
	case o.Err == nil:
		return string(o.Status)
	case o.Code != "":
		return fmt.Sprintf("%s (%s): %v", o.Status, o.Code, o.Err)
	default:
		return fmt.Sprintf("%s: %v", o.Status, o.Err)
	}
}

// classifiedError carries the retry class and code assigned by a transport.
type classifiedError struct {
	err       error
	permanent bool
	code      string
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &classifiedError{err: err, permanent: true}
}

// WithCode marks err as permanent with a stable error code.
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}

	return &classifiedError{err: err, permanent: true, code: code}
}

// Classify turns a transport error into an outcome. Unclassified errors are
// treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return Delivered()
	}

	var classified *classifiedError
	if errors.As(err, &classified) {
		if !classified.permanent {
			return Outcome{Status: StatusRetryable, Err: err}
		}

		code := classified.code
		if code == "" {
			code = CodeDeliveryFailed
		}

		return Outcome{Status: StatusPermanent, Err: err, Code: code}
	}

	if errors.Is(err, ErrOutsideWindow) {
		return Outcome{Status: StatusPermanent, Err: err, Code: CodeOutsideWindow}
	}

	if errors.Is(err, ErrRunInactive) {
		return Outcome{Status: StatusPermanent, Err: err, Code: CodeRunInactive}
	}

	return Outcome{Status: StatusRetryable, Err: err}
}
