package kernel

import (
	"github.com/roach88/mirage/internal/ipc"
	"github.com/roach88/mirage/internal/ir"
)

// pcb is a process control block. Owned exclusively by the process table.
type pcb struct {
	id          ir.ProcessID
	inUse       bool
	state       State
	blockReason BlockReason
	priority    ir.Priority
	context     ir.ContextHandle
	domain      ir.DomainID
	parent      ir.ProcessID

	inbox   *ipc.RingQueue
	tracker *ipc.SequenceTracker

	quantum  int    // ticks left in the current slice
	cpuTicks uint64 // ticks consumed while Running
	lastSeq  uint64 // last committed send sequence
}

type lookupResult int

const (
	lookupFound lookupResult = iota
	lookupStale              // issued once, since torn down
	lookupUnknown            // never issued
)

// processTable is a fixed arena of control blocks.
//
// INVARIANTS:
//   - len(free) + live == len(slots)
//   - a slot is on the free stack iff it is not in use
//   - an in-use slot's ID carries the slot's current generation
type processTable struct {
	slots []pcb
	gens  []uint32 // generation the slot's next occupant is issued
	free  []uint32 // stack of free indices; lowest index on top initially
	live  int
}

func newProcessTable(capacity int) *processTable {
	t := &processTable{
		slots: make([]pcb, capacity),
		gens:  make([]uint32, capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		t.gens[i] = 1
		t.free = append(t.free, uint32(i))
	}
	return t
}

// alloc takes a free slot and stamps it with a fresh ID in state New.
func (t *processTable) alloc() (*pcb, bool) {
	if len(t.free) == 0 {
		return nil, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	p := &t.slots[idx]
	*p = pcb{
		id:    ir.ProcessID{Index: idx, Generation: t.gens[idx]},
		inUse: true,
		state: StateNew,
	}
	t.live++
	return p, true
}

// unalloc returns a slot whose ID was never handed out. The generation is
// kept, so the next spawn reissues the same ID.
func (t *processTable) unalloc(p *pcb) {
	idx := p.id.Index
	*p = pcb{}
	t.free = append(t.free, idx)
	t.live--
}

// release frees a torn-down slot and bumps its generation.
func (t *processTable) release(pid ir.ProcessID) *ir.Error {
	if int(pid.Index) >= len(t.slots) {
		return &ir.Error{Code: ir.CodeFatalInvariant, Op: "release", Message: "slot index out of range", PID: pid}
	}
	p := &t.slots[pid.Index]
	if !p.inUse || p.id != pid {
		return &ir.Error{Code: ir.CodeFatalInvariant, Op: "release", Message: "double free of process slot", PID: pid}
	}
	if len(t.free) == cap(t.free) {
		return &ir.Error{Code: ir.CodeFatalInvariant, Op: "release", Message: "free list overflow", PID: pid}
	}

	*p = pcb{}
	t.gens[pid.Index]++
	if t.gens[pid.Index] == 0 {
		t.gens[pid.Index] = 1
	}
	t.free = append(t.free, pid.Index)
	t.live--
	return nil
}

// lookup resolves pid to its control block.
func (t *processTable) lookup(pid ir.ProcessID) (*pcb, lookupResult) {
	if !pid.Valid() || int(pid.Index) >= len(t.slots) {
		return nil, lookupUnknown
	}
	p := &t.slots[pid.Index]
	if p.inUse && p.id == pid {
		return p, lookupFound
	}
	if pid.Generation < t.gens[pid.Index] {
		return nil, lookupStale
	}
	return nil, lookupUnknown
}

func (t *processTable) capacity() int {
	return len(t.slots)
}
