// Package buffers holds the in-memory history of recent entries.
package buffers

import (
	"sync"

	"github.com/ppiankov/logcatd/internal/logtypes"
)

const defaultRingSize = 1000

// LogRing is a fixed-size circular buffer of recent entries, used to replay
// history to new broadcast subscribers. All methods are safe for concurrent use.
type LogRing struct {
	mu      sync.Mutex
	buf     []logtypes.LogEntry
	cap     int
	head    int    // next write position
	count   int    // entries in buffer (≤ cap)
	version uint64 // entries ever pushed
}

// NewLogRing creates a ring buffer with the given capacity.
// If cap ≤ 0, defaultRingSize is used.
func NewLogRing(cap int) *LogRing {
	if cap <= 0 {
		cap = defaultRingSize
	}
	return &LogRing{
		buf: make([]logtypes.LogEntry, cap),
		cap: cap,
	}
}

// Push adds an entry, overwriting the oldest when full. Never blocks.
func (r *LogRing) Push(entry logtypes.LogEntry) {
	r.mu.Lock()
	r.buf[r.head] = entry
	r.head = (r.head + 1) % r.cap
	if r.count < r.cap {
		r.count++
	}
	r.version++
	r.mu.Unlock()
}

// Snapshot returns a chronological copy of all entries in the ring.
func (r *LogRing) Snapshot() []logtypes.LogEntry {
	return r.Tail(0, nil)
}

// Tail returns up to n of the newest entries passing keep, oldest first.
// n ≤ 0 means no limit; a nil keep passes everything.
func (r *LogRing) Tail(n int, keep func(logtypes.LogEntry) bool) []logtypes.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}

	// walk newest to oldest so the limit keeps the most recent
	var out []logtypes.LogEntry
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.head-1-i+2*r.cap)%r.cap]
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) == n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of entries held.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Version returns the number of entries ever pushed.
func (r *LogRing) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}
