// Package kernel implements the L1 core: the process table, the priority
// round-robin scheduler and the IPC send and receive paths.
//
// ARCHITECTURE:
//
// One long-lived Kernel value owns all L1 state. The entry-wiring driver
// creates it, hands it an Authorizer and a DomainBinder, and passes it
// explicitly to everything that needs it. There are no package globals.
//
// Every public method runs inside a single critical section (the kernel
// mutex), the equivalent of running with interrupts masked. A state
// transition and the queue moves that go with it are never observable
// half-done.
//
// Process Table:
// A fixed arena of control blocks sized at construction, with an explicit
// free-slot stack. Each slot carries a generation counter that is bumped on
// teardown, so a ProcessID held after Terminate is recognised as stale
// instead of silently addressing the slot's next occupant.
//
// Scheduler:
// One FIFO ready queue per priority level. ScheduleNext picks the head of the
// highest non-empty level. Tick charges the running process one tick and
// preempts it when its quantum runs out or a higher level has work.
//
// IPC:
// Send resolves both ends, asks the Authorizer, and only on Allow copies the
// message into the receiver's fixed-capacity inbox. A receiver blocked
// waiting for a message is woken by the enqueue. A full inbox fails the send
// with QUEUE_FULL; senders never block.
//
// Halting:
// A detected invariant violation is fatal. The kernel records the error,
// calls the HaltHandler exactly once, and from then on every operation
// returns the same error.
package kernel
