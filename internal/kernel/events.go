package kernel

import (
	"github.com/roach88/mirage/internal/ir"
)

// EventKind names a kernel event.
type EventKind string

const (
	EventSpawn     EventKind = "spawn"
	EventDispatch  EventKind = "dispatch"
	EventPreempt   EventKind = "preempt"
	EventYield     EventKind = "yield"
	EventBlock     EventKind = "block"
	EventWake      EventKind = "wake"
	EventTerminate EventKind = "terminate"
	EventSend      EventKind = "send"
	EventDeny      EventKind = "deny"
	EventReceive   EventKind = "receive"
	EventHalt      EventKind = "halt"
)

// Event is one observable kernel transition.
type Event struct {
	// Seq is the logical timestamp from the kernel Clock.
	Seq int64

	Kind EventKind

	// PID is the acting process: the one spawned, dispatched or blocked, the
	// sender of a send or deny, the receiver of a receive.
	PID ir.ProcessID

	// Peer is the other end of a message.
	Peer ir.ProcessID

	Priority ir.Priority
	Domain   ir.DomainID
	Class    ir.SecurityClass

	// Sequence is the message sequence number.
	Sequence uint64

	// Detail carries the block reason, deny reason, preemption cause or
	// halt code.
	Detail string

	// Tick is the kernel tick count when the event happened.
	Tick uint64
}

// Fields renders the event as a flat map suitable for canonical JSON.
// Only the fields meaningful for the kind are included.
func (e Event) Fields() map[string]any {
	f := map[string]any{
		"kind": string(e.Kind),
		"tick": e.Tick,
	}
	if e.PID.Valid() {
		f["pid"] = e.PID.String()
	}
	if e.Peer.Valid() {
		f["peer"] = e.Peer.String()
	}
	switch e.Kind {
	case EventSpawn:
		f["priority"] = uint8(e.Priority)
		f["domain"] = e.Domain.String()
	case EventDispatch:
		f["priority"] = uint8(e.Priority)
	case EventSend, EventReceive:
		f["class"] = e.Class.String()
		f["sequence"] = e.Sequence
	case EventDeny:
		f["class"] = e.Class.String()
	}
	if e.Detail != "" {
		f["detail"] = e.Detail
	}
	return f
}
