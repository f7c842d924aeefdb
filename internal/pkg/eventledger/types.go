package eventledger

import (
	"errors"
	"fmt"
)

// DefaultMaxRetries bounds the total number of recorded retry attempts for a
// single event before it is dead-lettered.
const DefaultMaxRetries = 3

var (
	// ErrEventNotFound is returned when an event ID has never been seen.
	ErrEventNotFound = errors.New("webhook event not found")
)

// CheckResult is the idempotency gate's verdict for an inbound event ID.
type CheckResult struct {
	ShouldProcess    bool
	AlreadyProcessed bool
	Status           string
}

// Outcome reports what processing an event amounted to.
type Outcome struct {
	Success   bool
	Duplicate bool
	Permanent bool
	Retryable bool
	Status    string
	Err       error
}

// PermanentError marks a failure that must not be retried (validation or
// business-rule rejection). Everything else is assumed transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the orchestrator dead-letters the event immediately
// instead of burning retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
