package kernel

import (
	"github.com/roach88/mirage/internal/ir"
)

// Verify sweeps every kernel invariant. A violation halts the kernel and is
// returned as the fatal error.
//
// Checked:
//   - at most one process is Running, and it is the one the scheduler holds
//   - a process is in a ready queue iff it is Ready, exactly once, at its own
//     level
//   - Blocked processes carry a reason
//   - the free stack and the in-use slots partition the table
//   - no inbox holds more than its capacity
func (k *Kernel) Verify() error {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return k.halted
	}
	return k.verifyLocked()
}

func (k *Kernel) verifyLocked() error {
	t := k.table

	running := 0
	inUse := 0
	for i := range t.slots {
		p := &t.slots[i]
		if !p.inUse {
			continue
		}
		inUse++

		if p.id.Index != uint32(i) || p.id.Generation != t.gens[i] {
			return k.fatalf("verify", p.id, "slot %d holds a foreign id", i)
		}
		if int(p.priority) >= len(k.ready) {
			return k.fatalf("verify", p.id, "priority %d out of range", p.priority)
		}
		if p.inbox == nil || p.inbox.Len() > p.inbox.Cap() {
			return k.fatalf("verify", p.id, "inbox missing or over capacity")
		}

		queued := 0
		for level := range k.ready {
			queued += k.ready[level].count(p.id)
		}

		switch p.state {
		case StateRunning:
			running++
			if p.id != k.running {
				return k.fatalf("verify", p.id, "process is Running but not scheduled")
			}
			if queued != 0 {
				return k.fatalf("verify", p.id, "running process is queued")
			}
		case StateReady:
			if queued != 1 || k.ready[p.priority].count(p.id) != 1 {
				return k.fatalf("verify", p.id, "ready process queued %d times", queued)
			}
		case StateBlocked:
			if p.blockReason == BlockNone {
				return k.fatalf("verify", p.id, "blocked without a reason")
			}
			if queued != 0 {
				return k.fatalf("verify", p.id, "blocked process is queued")
			}
		default:
			return k.fatalf("verify", p.id, "live slot in state %s", p.state)
		}
	}

	if running > 1 {
		return k.fatalf("verify", k.running, "%d processes Running", running)
	}
	if k.running.Valid() && running == 0 {
		return k.fatalf("verify", k.running, "scheduled process is not Running")
	}

	for level := range k.ready {
		for _, pid := range k.ready[level].ids() {
			p, res := t.lookup(pid)
			if res != lookupFound || p.state != StateReady || int(p.priority) != level {
				return k.fatalf("verify", pid, "stale entry in ready queue %d", level)
			}
		}
	}

	if inUse != t.live || len(t.free)+t.live != len(t.slots) {
		return k.fatalf("verify", ir.NoProcess, "free list out of sync: %d free, %d live, %d slots",
			len(t.free), t.live, len(t.slots))
	}
	seen := make([]bool, len(t.slots))
	for _, idx := range t.free {
		if int(idx) >= len(t.slots) || seen[idx] || t.slots[idx].inUse {
			return k.fatalf("verify", ir.NoProcess, "free list corrupt at slot %d", idx)
		}
		seen[idx] = true
	}
	return nil
}
