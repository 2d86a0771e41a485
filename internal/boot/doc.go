// Package boot assembles a runnable machine from a compiled manifest and
// drives it.
//
// New creates the manifest's domains and grants in a fresh registry, wires an
// authorization engine and a kernel to it, and spawns the initial processes in
// declaration order. Each process runs a cooperative Program chosen by name
// from a Catalog.
//
// Run is the tick source. Every iteration it dispatches a process if the CPU
// is idle, lets that process's Program take one Step, then charges one tick:
//
//	for tick := range ticks {
//	    if nothing running { ScheduleNext }
//	    Step(running program)
//	    Tick
//	}
//
// Run stops early when every process has exited, when no process can make
// progress, when the context is cancelled, or when the kernel halts.
package boot
