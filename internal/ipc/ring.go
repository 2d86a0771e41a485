package ipc

import (
	"github.com/roach88/mirage/internal/ir"
)

// RingQueue is a bounded FIFO of messages.
//
// RingQueue is not safe for concurrent use. Inboxes are only touched inside
// the kernel's critical section.
type RingQueue struct {
	buf  []ir.Message
	head int // index of the oldest message
	n    int // number of queued messages
}

// NewRingQueue allocates a queue holding at most capacity messages.
// A capacity below 1 is raised to 1.
func NewRingQueue(capacity int) *RingQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &RingQueue{buf: make([]ir.Message, capacity)}
}

// Enqueue appends msg at the tail.
// Returns ErrQueueFull without modifying the queue when Len() == Cap().
func (q *RingQueue) Enqueue(msg ir.Message) error {
	if q.n == len(q.buf) {
		return &ir.Error{
			Code:    ir.CodeQueueFull,
			Op:      "enqueue",
			Message: "inbox is full",
			PID:     msg.Receiver,
		}
	}
	q.buf[(q.head+q.n)%len(q.buf)] = msg
	q.n++
	return nil
}

// Dequeue removes and returns the oldest message.
// Returns (Message{}, false) if the queue is empty.
func (q *RingQueue) Dequeue() (ir.Message, bool) {
	if q.n == 0 {
		return ir.Message{}, false
	}
	msg := q.buf[q.head]
	// Drop the payload reference so the slot does not pin it.
	q.buf[q.head] = ir.Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return msg, true
}

// Peek returns the oldest message without removing it.
func (q *RingQueue) Peek() (ir.Message, bool) {
	if q.n == 0 {
		return ir.Message{}, false
	}
	return q.buf[q.head], true
}

// Len returns the number of queued messages.
func (q *RingQueue) Len() int {
	return q.n
}

// Cap returns the fixed capacity.
func (q *RingQueue) Cap() int {
	return len(q.buf)
}

// Full reports whether the next Enqueue would fail.
func (q *RingQueue) Full() bool {
	return q.n == len(q.buf)
}

// Reset discards every queued message. Capacity is kept.
func (q *RingQueue) Reset() {
	for i := range q.buf {
		q.buf[i] = ir.Message{}
	}
	q.head = 0
	q.n = 0
}

// Snapshot returns the queued messages oldest first.
// Used by invariant checks and scenario assertions.
func (q *RingQueue) Snapshot() []ir.Message {
	out := make([]ir.Message, 0, q.n)
	for i := 0; i < q.n; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	return out
}
