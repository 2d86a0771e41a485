package ipc

import (
	"github.com/roach88/mirage/internal/ir"
)

// Ordering classifies a received message against what the receiver has
// already seen from the same sender.
type Ordering int

const (
	// InOrder is the first message from a sender, or one with a higher
	// sequence than the last.
	InOrder Ordering = iota + 1

	// Gap is an in-order message that skipped sequence numbers. Gaps are
	// normal: the skipped messages went to other receivers or were refused.
	Gap

	// Duplicate is a message whose sequence is at or below the last one seen
	// from that sender.
	Duplicate
)

func (o Ordering) String() string {
	switch o {
	case InOrder:
		return "in_order"
	case Gap:
		return "gap"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// SequenceTracker remembers the last sequence observed per sender.
//
// Senders are keyed by full ProcessID, so a recycled slot starts a fresh
// history.
type SequenceTracker struct {
	last map[ir.ProcessID]uint64
}

// NewSequenceTracker creates an empty tracker.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[ir.ProcessID]uint64)}
}

// Observe records msg and classifies it. Duplicates do not move the high
// water mark.
func (t *SequenceTracker) Observe(msg ir.Message) Ordering {
	prev, seen := t.last[msg.Sender]
	switch {
	case seen && msg.Sequence <= prev:
		return Duplicate
	case !seen && msg.Sequence > 1, seen && msg.Sequence > prev+1:
		t.last[msg.Sender] = msg.Sequence
		return Gap
	default:
		t.last[msg.Sender] = msg.Sequence
		return InOrder
	}
}

// Last returns the highest sequence observed from sender.
func (t *SequenceTracker) Last(sender ir.ProcessID) (uint64, bool) {
	seq, ok := t.last[sender]
	return seq, ok
}

// Forget drops the history for sender.
func (t *SequenceTracker) Forget(sender ir.ProcessID) {
	delete(t.last, sender)
}

// Reset drops all history.
func (t *SequenceTracker) Reset() {
	clear(t.last)
}
