// Package failure defines the error taxonomy used to route consumed
// messages: transient failures go to the retry channel, non-transient
// failures go to the dead-letter channel, and fatal failures terminate the
// consumer loop. Handlers signal a kind by wrapping their error with
// Transient, DeadLetter, or Fatal; anything unwrapped dead-letters.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures worth retrying: storage hiccups,
	// downstream publish failures, timeouts.
	ErrTransient = errors.New("careflow: transient failure")

	// ErrDeadLetter marks failures that must not be retried: malformed
	// payloads, missing required fields, application-logic errors.
	ErrDeadLetter = errors.New("careflow: dead-letter failure")

	// ErrFatal marks broker-level failures that indicate the topic or
	// partition no longer exists. The consumer loop stops instead of
	// retrying.
	ErrFatal = errors.New("careflow: fatal consumer failure")
)

// Kind is the routing decision derived from a handler error.
type Kind int

const (
	// KindNone means the handler succeeded.
	KindNone Kind = iota

	// KindTransient routes the message to the retry channel.
	KindTransient

	// KindDeadLetter routes the message to the dead-letter channel.
	KindDeadLetter

	// KindFatal terminates the consumer loop.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindDeadLetter:
		return "dead-letter"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransientError wraps a cause that should be retried.
type TransientError struct {
	Cause error
}

// Transient wraps err so Classify routes it to the retry channel.
// A nil err still produces a classifiable error.
func Transient(err error) error {
	return &TransientError{Cause: err}
}

// Transientf formats a transient error.
func Transientf(format string, args ...any) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return "careflow: transient failure: " + e.Cause.Error()
	}
	return ErrTransient.Error()
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Is implements errors.Is for TransientError.
func (e *TransientError) Is(target error) bool {
	if target == ErrTransient {
		return true
	}
	_, ok := target.(*TransientError)
	return ok
}

// DeadLetterError wraps a cause that must be quarantined with a reason
// suitable for the exception headers on the error topic.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetter wraps err so Classify routes it to the dead-letter channel.
func DeadLetter(reason string, err error) error {
	return &DeadLetterError{Reason: reason, Cause: err}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("careflow: dead-letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("careflow: dead-letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

// Is implements errors.Is for DeadLetterError.
func (e *DeadLetterError) Is(target error) bool {
	if target == ErrDeadLetter {
		return true
	}
	_, ok := target.(*DeadLetterError)
	return ok
}

// FatalError wraps a broker-level failure that should stop the loop.
type FatalError struct {
	Cause error
}

// Fatal wraps err so the consumer loop terminates.
func Fatal(err error) error {
	return &FatalError{Cause: err}
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return "careflow: fatal consumer failure: " + e.Cause.Error()
	}
	return ErrFatal.Error()
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Is implements errors.Is for FatalError.
func (e *FatalError) Is(target error) bool {
	if target == ErrFatal {
		return true
	}
	_, ok := target.(*FatalError)
	return ok
}

// Classify maps a handler error to its routing kind. Unclassified errors
// are treated as dead-letter: retries are opt-in, quarantine is not.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindDeadLetter
	}
}

// Reason extracts the operator-facing message for the exception headers.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var dl *DeadLetterError
	if errors.As(err, &dl) && dl.Reason != "" {
		if dl.Cause != nil {
			return dl.Reason + ": " + dl.Cause.Error()
		}
		return dl.Reason
	}
	return err.Error()
}
