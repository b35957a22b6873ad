// Package activitylog keeps the append-only transcript of resolution
// lifecycle events and projects it for display.
package activitylog

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"insight-resolver/internal/modal"
)

// Hook is called once per appended entry, in append order.
type Hook func(modal.ActivityLogEntry)

type Option func(*Log)

// WithClock overrides the time source used for entries without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithIDFunc overrides entry ID generation. index is the 1-based position
// the entry will occupy.
func WithIDFunc(fn func(index int, at time.Time) string) Option {
	return func(l *Log) { l.newID = fn }
}

// Log is an append-only, insertion-ordered list of entries. It has a single
// writer (the executor that owns the resolution) and any number of readers.
type Log struct {
	mu      sync.RWMutex
	entries []modal.ActivityLogEntry
	hooks   []Hook

	now   func() time.Time
	newID func(int, time.Time) string
}

func New(opts ...Option) *Log {
	entropy := ulid.Monotonic(rand.Reader, 0)
	var entropyMu sync.Mutex

	l := &Log{
		now: func() time.Time { return time.Now().UTC() },
		newID: func(_ int, at time.Time) string {
			entropyMu.Lock()
			defer entropyMu.Unlock()
			return ulid.MustNew(ulid.Timestamp(at), entropy).String()
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnAppend registers a hook. Hooks run outside the log lock.
func (l *Log) OnAppend(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// Append stores e at the end of the log and returns it with ID, Index and
// Timestamp filled in. It never fails and never touches earlier entries.
func (l *Log) Append(e modal.ActivityLogEntry) modal.ActivityLogEntry {
	l.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Index = len(l.entries) + 1
	if e.ID == "" {
		e.ID = l.newID(e.Index, e.Timestamp)
	}
	e = copyEntry(e)
	l.entries = append(l.entries, e)
	hooks := l.hooks
	l.mu.Unlock()

	for _, h := range hooks {
		h(copyEntry(e))
	}
	return copyEntry(e)
}

// Entries returns a copy of the log in append order.
func (l *Log) Entries() []modal.ActivityLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]modal.ActivityLogEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = copyEntry(e)
	}
	return out
}

// copyEntry detaches the entry from any pointer the caller still holds.
func copyEntry(e modal.ActivityLogEntry) modal.ActivityLogEntry {
	if e.DurationMs != nil {
		d := *e.DurationMs
		e.DurationMs = &d
	}
	return e
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
