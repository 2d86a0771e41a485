package kernel

import (
	"github.com/roach88/mirage/internal/ir"
)

// Authorizer decides whether a message may be delivered. The kernel calls it
// for every send, including the exit notices it generates itself; there is no
// path into an inbox that skips it.
//
// AuthorizeSpawn is consulted when a process spawns a child; a non-nil error
// is returned to the caller unchanged.
type Authorizer interface {
	Authorize(sender, receiver ir.ProcessID, class ir.SecurityClass) ir.Decision
	AuthorizeSpawn(parent ir.ProcessID) error
}

// DomainBinder records which domain a process belongs to. Assign is called
// once at spawn and Release once at teardown.
type DomainBinder interface {
	Assign(pid ir.ProcessID, domain ir.DomainID) error
	Release(pid ir.ProcessID) error
}

// ContextSwitcher saves the outgoing execution context and restores the
// incoming one. A zero handle means "no process" (idle).
type ContextSwitcher interface {
	Switch(from, to ir.ContextHandle)
}

// ContextSwitcherFunc adapts a function to ContextSwitcher.
type ContextSwitcherFunc func(from, to ir.ContextHandle)

// Switch calls f(from, to).
func (f ContextSwitcherFunc) Switch(from, to ir.ContextHandle) {
	f(from, to)
}

// HaltHandler is called exactly once when the kernel halts. It runs after the
// kernel lock is released, so it may inspect the kernel, but every mutating
// call will return the fatal error.
type HaltHandler func(err *ir.Error)

// Observer receives every kernel event synchronously, inside the critical
// section. Implementations must not call back into the Kernel.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) {
	f(ev)
}
