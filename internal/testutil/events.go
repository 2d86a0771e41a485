package testutil

import (
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/kernel"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EventLog records kernel events and authorization decisions in order.
// It implements kernel.Observer and authz.Auditor.
//
// Thread-safety: EventLog is safe for concurrent use via internal mutex.
type EventLog struct {
	mu        sync.Mutex
	events    []kernel.Event
	decisions []ir.Decision
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Observe implements kernel.Observer.
func (l *EventLog) Observe(ev kernel.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Audit implements authz.Auditor.
func (l *EventLog) Audit(d ir.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions = append(l.decisions, d)
}

// Events returns a copy of the recorded events.
func (l *EventLog) Events() []kernel.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]kernel.Event(nil), l.events...)
}

// Decisions returns a copy of the recorded decisions.
func (l *EventLog) Decisions() []ir.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ir.Decision(nil), l.decisions...)
}

// Kinds returns the kind of every recorded event, in order.
func (l *EventLog) Kinds() []kernel.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]kernel.EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

// Count returns how many events of kind were recorded.
func (l *EventLog) Count(kind kernel.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Reset clears the log.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.decisions = nil
}
