package kernel

import (
	"github.com/roach88/mirage/internal/ir"
)

// Snapshot is a read-only copy of a process control block.
type Snapshot struct {
	ID          ir.ProcessID     `json:"id"`
	State       State            `json:"state"`
	BlockReason BlockReason      `json:"block_reason"`
	Priority    ir.Priority      `json:"priority"`
	Domain      ir.DomainID      `json:"domain"`
	Parent      ir.ProcessID     `json:"parent"`
	Context     ir.ContextHandle `json:"context"`
	QuantumLeft int              `json:"quantum_left"`
	CPUTicks    uint64           `json:"cpu_ticks"`
	InboxLen    int              `json:"inbox_len"`
	InboxCap    int              `json:"inbox_cap"`
	LastSeq     uint64           `json:"last_seq"`
}

func (p *pcb) snapshot() Snapshot {
	s := Snapshot{
		ID:          p.id,
		State:       p.state,
		BlockReason: p.blockReason,
		Priority:    p.priority,
		Domain:      p.domain,
		Parent:      p.parent,
		Context:     p.context,
		QuantumLeft: p.quantum,
		CPUTicks:    p.cpuTicks,
		LastSeq:     p.lastSeq,
	}
	if p.inbox != nil {
		s.InboxLen = p.inbox.Len()
		s.InboxCap = p.inbox.Cap()
	}
	return s
}

// Stats summarizes kernel state.
type Stats struct {
	Capacity    int          `json:"capacity"`
	Live        int          `json:"live"`
	Free        int          `json:"free"`
	Ready       int          `json:"ready"`
	Blocked     int          `json:"blocked"`
	Running     ir.ProcessID `json:"running"`
	Ticks       uint64       `json:"ticks"`
	Switches    uint64       `json:"switches"`
	Preemptions uint64       `json:"preemptions"`
	Sent        uint64       `json:"sent"`
	Denied      uint64       `json:"denied"`
	Delivered   uint64       `json:"delivered"`
	Halted      bool         `json:"halted"`
}

// State returns pid's lifecycle state. A stale ID reports Terminated.
func (k *Kernel) State(pid ir.ProcessID) (State, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return StateTerminated, k.halted
	}
	p, res := k.table.lookup(pid)
	switch res {
	case lookupFound:
		return p.state, nil
	case lookupStale:
		return StateTerminated, nil
	default:
		return StateTerminated, &ir.Error{Code: ir.CodeUnknownProcess, Op: "state", PID: pid}
	}
}

// Process returns a snapshot of a live process.
func (k *Kernel) Process(pid ir.ProcessID) (Snapshot, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return Snapshot{}, k.halted
	}
	p, err := k.resolveLocked("process", pid)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(), nil
}

// Inbox returns the messages queued for pid, oldest first.
func (k *Kernel) Inbox(pid ir.ProcessID) ([]ir.Message, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return nil, k.halted
	}
	p, err := k.resolveLocked("inbox", pid)
	if err != nil {
		return nil, err
	}
	return p.inbox.Snapshot(), nil
}

// Running returns the process currently holding the CPU.
func (k *Kernel) Running() (ir.ProcessID, bool) {
	k.mu.Lock()
	defer k.unlock()
	return k.running, k.running.Valid()
}

// ReadyQueue returns the Ready processes at level, head first.
func (k *Kernel) ReadyQueue(level ir.Priority) []ir.ProcessID {
	k.mu.Lock()
	defer k.unlock()

	if int(level) >= len(k.ready) {
		return nil
	}
	return k.ready[level].ids()
}

// Processes returns a snapshot of every live process in slot order. It keeps
// working after a halt so the corrupt state can be inspected.
func (k *Kernel) Processes() []Snapshot {
	k.mu.Lock()
	defer k.unlock()

	out := make([]Snapshot, 0, k.table.live)
	for i := range k.table.slots {
		if p := &k.table.slots[i]; p.inUse {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// Stats returns counters and occupancy. It keeps working after a halt.
func (k *Kernel) Stats() Stats {
	k.mu.Lock()
	defer k.unlock()

	s := Stats{
		Capacity:    k.table.capacity(),
		Live:        k.table.live,
		Free:        len(k.table.free),
		Running:     k.running,
		Ticks:       k.clock.Ticks(),
		Switches:    k.stats.switches,
		Preemptions: k.stats.preemptions,
		Sent:        k.stats.sent,
		Denied:      k.stats.denied,
		Delivered:   k.stats.delivered,
		Halted:      k.halted != nil,
	}
	for level := range k.ready {
		s.Ready += k.ready[level].len()
	}
	for i := range k.table.slots {
		if p := &k.table.slots[i]; p.inUse && p.state == StateBlocked {
			s.Blocked++
		}
	}
	return s
}

// Err returns the fatal error the kernel halted with, or nil.
func (k *Kernel) Err() error {
	k.mu.Lock()
	defer k.unlock()

	if k.halted == nil {
		return nil
	}
	return k.halted
}

// Levels returns the number of priority levels.
func (k *Kernel) Levels() int {
	return k.cfg.levels
}

// Quantum returns the time slice of level in ticks.
func (k *Kernel) Quantum(level ir.Priority) int {
	if int(level) >= len(k.quanta) {
		return 0
	}
	return k.quanta[level]
}
