// Package pipeline connects reassembled log entries to downstream sinks.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ppiankov/logcatd/internal/logtypes"
	"github.com/ppiankov/logcatd/internal/retry"
)

// ErrClosed is returned when consuming through a sink that was closed.
var ErrClosed = errors.New("consumer is closed")

// Consumer accepts entries. Consume may return a retry.Error to ask the
// caller to re-deliver the same entry after the carried backoff.
type Consumer interface {
	Consume(entry logtypes.LogEntry) error
	Close() error
}

// Filter decides whether an entry is forwarded.
type Filter interface {
	CanPass(entry logtypes.LogEntry) bool
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(logtypes.LogEntry) bool

// CanPass calls f.
func (f FilterFunc) CanPass(e logtypes.LogEntry) bool { return f(e) }

// ConsumerFunc adapts a function to a Consumer with a no-op Close.
type ConsumerFunc func(logtypes.LogEntry) error

// Consume calls f.
func (f ConsumerFunc) Consume(e logtypes.LogEntry) error { return f(e) }

// Close does nothing.
func (f ConsumerFunc) Close() error { return nil }

type filtering struct {
	next     Consumer
	filter   Filter
	onReject func()
}

// Filtering forwards only entries the filter passes. Close is forwarded.
func Filtering(next Consumer, filter Filter) Consumer {
	return FilteringWithHook(next, filter, nil)
}

// FilteringWithHook is Filtering with a callback for each rejected entry.
func FilteringWithHook(next Consumer, filter Filter, onReject func()) Consumer {
	if next == nil {
		panic("pipeline: nil consumer")
	}
	if filter == nil {
		panic("pipeline: nil filter")
	}
	return &filtering{next: next, filter: filter, onReject: onReject}
}

func (f *filtering) Consume(e logtypes.LogEntry) error {
	if !f.filter.CanPass(e) {
		if f.onReject != nil {
			f.onReject()
		}
		return nil
	}
	return f.next.Consume(e)
}

func (f *filtering) Close() error { return f.next.Close() }

// All passes an entry only when every filter does. No filters pass everything.
func All(filters ...Filter) Filter {
	return FilterFunc(func(e logtypes.LogEntry) bool {
		for _, f := range filters {
			if !f.CanPass(e) {
				return false
			}
		}
		return true
	})
}

// MinSeverity passes entries at or above min.
func MinSeverity(min logtypes.Severity) Filter {
	return FilterFunc(func(e logtypes.LogEntry) bool {
		return e.Severity.AtLeast(min)
	})
}

// SkipPID drops entries logged by pid.
func SkipPID(pid int64) Filter {
	return FilterFunc(func(e logtypes.LogEntry) bool {
		return e.PID != pid
	})
}

// SkipTID drops entries whose tid equals the value returned by tid at
// consume time.
func SkipTID(tid func() int64) Filter {
	return FilterFunc(func(e logtypes.LogEntry) bool {
		return e.TID != tid()
	})
}

// SelfFilter selects which of this process' own entries are dropped.
type SelfFilter string

const (
	SelfFilterPID  SelfFilter = "pid"
	SelfFilterTID  SelfFilter = "tid"
	SelfFilterNone SelfFilter = "none"
)

// ParseSelfFilter parses "pid", "tid" or "none". Empty means pid.
func ParseSelfFilter(s string) (SelfFilter, error) {
	switch SelfFilter(s) {
	case "", SelfFilterPID:
		return SelfFilterPID, nil
	case SelfFilterTID, SelfFilterNone:
		return SelfFilter(s), nil
	}
	return "", fmt.Errorf("unknown self filter %q (want pid, tid or none)", s)
}

// Filter returns the filter for this mode. tid reports the thread that
// runs the consumer chain.
func (m SelfFilter) Filter(tid func() int64) Filter {
	switch m {
	case SelfFilterTID:
		return SkipTID(tid)
	case SelfFilterNone:
		return All()
	default:
		return SkipPID(int64(os.Getpid()))
	}
}

type tee struct {
	consumers []Consumer

	mu sync.Mutex
	// entry in flight after a retryable failure, and the first consumer
	// that has not accepted it yet
	pending *logtypes.LogEntry
	next    int
}

// Tee delivers every entry to each consumer in order. The first failure
// stops delivery and is returned. When the failure is retryable and the
// same entry is consumed again, delivery resumes at the consumer that
// failed, so earlier consumers see each entry once.
func Tee(consumers ...Consumer) Consumer {
	if len(consumers) == 1 {
		return consumers[0]
	}
	return &tee{consumers: consumers}
}

func (t *tee) Consume(e logtypes.LogEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := 0
	if t.pending != nil && sameEntry(*t.pending, e) {
		start = t.next
	}
	t.pending = nil
	for i := start; i < len(t.consumers); i++ {
		if err := t.consumers[i].Consume(e); err != nil {
			if retry.IsRetryable(err) {
				t.pending, t.next = &e, i
			}
			return err
		}
	}
	return nil
}

func sameEntry(a, b logtypes.LogEntry) bool {
	return a.Timestamp.Equal(b.Timestamp) &&
		a.PID == b.PID &&
		a.TID == b.TID &&
		a.Severity == b.Severity &&
		a.Tag == b.Tag &&
		a.Text == b.Text
}

func (t *tee) Close() error {
	var errs []error
	for _, c := range t.consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Guard makes Close idempotent and turns Consume after Close into ErrClosed.
func Guard(next Consumer) Consumer {
	return &guard{next: next}
}

type guard struct {
	mu     sync.Mutex
	next   Consumer
	closed bool
}

func (g *guard) Consume(e logtypes.LogEntry) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return g.next.Consume(e)
}

func (g *guard) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	return g.next.Close()
}
