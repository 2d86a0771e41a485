package kernel

import "sync/atomic"

// Clock is the kernel's logical time. It counts two things: timer ticks,
// advanced only by Tick, and the event sequence that orders everything the
// kernel reports to observers. Neither reads the wall clock, so a replayed
// manifest numbers its trace identically.
//
// A Clock may be shared between the kernel and a driver that wants to stamp
// its own records in the same sequence.
type Clock struct {
	seq   atomic.Int64
	ticks atomic.Uint64
}

// Stamp is the logical time of one event.
type Stamp struct {
	Seq  int64
	Tick uint64
}

// NewClock returns a clock at sequence 0, tick 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt returns a clock whose next stamp has sequence start+1.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Stamp consumes the next sequence number and pairs it with the current tick.
func (c *Clock) Stamp() Stamp {
	return Stamp{Seq: c.seq.Add(1), Tick: c.ticks.Load()}
}

// Advance records one timer tick and returns the new tick count.
func (c *Clock) Advance() uint64 {
	return c.ticks.Add(1)
}

// Seq returns the last sequence number handed out.
func (c *Clock) Seq() int64 {
	return c.seq.Load()
}

// Ticks returns the number of ticks recorded.
func (c *Clock) Ticks() uint64 {
	return c.ticks.Load()
}
