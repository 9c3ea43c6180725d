// Package retry carries the retryable-failure contract between the log
// reader loop and the consumers it drives.
//
// A consumer that cannot accept an entry right now returns an error built
// with After. The reader loop classifies every action result with Classify
// and either finishes the action, re-attempts it after the backoff, or drops
// it.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMinBackoff is used when a retryable failure does not name one.
const DefaultMinBackoff = 500 * time.Millisecond

// Error marks a failure as retryable after at least MinBackoff.
type Error struct {
	MinBackoff time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("retry after %s", e.MinBackoff)
	}
	return fmt.Sprintf("retry after %s: %v", e.MinBackoff, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// After wraps err as retryable. A non-positive backoff means DefaultMinBackoff.
func After(backoff time.Duration, err error) error {
	if backoff <= 0 {
		backoff = DefaultMinBackoff
	}
	return &Error{MinBackoff: backoff, Err: err}
}

// Kind is the three-way result of an action.
type Kind int

const (
	// Done means the action completed.
	Done Kind = iota
	// Retry means the same action must be attempted again after Backoff.
	Retry
	// Drop means the action failed permanently and is discarded.
	Drop
)

func (k Kind) String() string {
	switch k {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of an action.
type Outcome struct {
	Kind    Kind
	Backoff time.Duration
	Err     error
}

// Classify turns an action error into an Outcome. Retryable failures are
// found anywhere in the wrap chain.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Done}
	}
	var re *Error
	if errors.As(err, &re) {
		backoff := re.MinBackoff
		if backoff <= 0 {
			backoff = DefaultMinBackoff
		}
		return Outcome{Kind: Retry, Backoff: backoff, Err: err}
	}
	return Outcome{Kind: Drop, Err: err}
}

// IsRetryable reports whether err carries a retryable failure.
func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re)
}
