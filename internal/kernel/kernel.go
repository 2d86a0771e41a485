package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/roach88/mirage/internal/ipc"
	"github.com/roach88/mirage/internal/ir"
)

type counters struct {
	switches    uint64
	preemptions uint64
	sent        uint64
	denied      uint64
	delivered   uint64
}

// Kernel is the L1 context object.
//
// Thread-safety: every method is safe for concurrent use; all of them
// serialize on one mutex.
type Kernel struct {
	mu sync.Mutex

	cfg    config
	authz  Authorizer
	binder DomainBinder
	clock  *Clock
	logger *slog.Logger

	table  *processTable
	ready  []readyQueue // indexed by priority
	quanta []int        // indexed by priority

	running    ir.ProcessID
	dispatched ir.ProcessID // last process handed to the ContextSwitcher
	stats      counters

	halted      *ir.Error
	pendingHalt *ir.Error // set on the halting call, drained by unlock
}

// New creates a kernel that mediates every send through authz and records
// domain bindings in binder.
func New(authz Authorizer, binder DomainBinder, opts ...Option) (*Kernel, error) {
	if authz == nil {
		return nil, errors.New("kernel: authorizer is required")
	}
	if binder == nil {
		return nil, errors.New("kernel: domain binder is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	k := &Kernel{
		cfg:    cfg,
		authz:  authz,
		binder: binder,
		clock:  cfg.clock,
		logger: cfg.logger,
		table:  newProcessTable(cfg.capacity),
		ready:  make([]readyQueue, cfg.levels),
		quanta: make([]int, cfg.levels),
	}
	if k.clock == nil {
		k.clock = NewClock()
	}
	for level := range k.ready {
		k.ready[level] = newReadyQueue(cfg.capacity)
		k.quanta[level] = DefaultQuantum(ir.Priority(level))
		if q, ok := cfg.quantum[ir.Priority(level)]; ok {
			k.quanta[level] = q
		}
	}

	k.logger.Debug("kernel created",
		"capacity", cfg.capacity,
		"levels", cfg.levels,
		"inbox", cfg.inboxCapacity,
		"max_payload", cfg.maxPayload)
	return k, nil
}

func (c *config) validate() error {
	if c.capacity < 1 || int64(c.capacity) > math.MaxUint32 {
		return fmt.Errorf("capacity %d out of range", c.capacity)
	}
	if c.levels < 1 || c.levels > MaxPriorityLevels {
		return fmt.Errorf("priority levels %d out of range 1..%d", c.levels, MaxPriorityLevels)
	}
	if c.inboxCapacity < 1 {
		return fmt.Errorf("inbox capacity %d must be positive", c.inboxCapacity)
	}
	if c.maxPayload < 0 {
		return fmt.Errorf("max payload %d must not be negative", c.maxPayload)
	}
	if !c.exitClass.Valid() {
		return fmt.Errorf("exit notice class %s is not a message class", c.exitClass)
	}
	for level, ticks := range c.quantum {
		if int(level) >= c.levels {
			return fmt.Errorf("quantum for priority %d: only %d levels", level, c.levels)
		}
		if ticks < 1 {
			return fmt.Errorf("quantum for priority %d must be positive, got %d", level, ticks)
		}
	}
	return nil
}

// unlock releases the kernel lock and, if this call halted the kernel, runs
// the halt handler outside the critical section.
func (k *Kernel) unlock() {
	h := k.pendingHalt
	k.pendingHalt = nil
	k.mu.Unlock()
	if h != nil && k.cfg.halt != nil {
		k.cfg.halt(h)
	}
}

// haltLocked records a fatal invariant violation. Only the first violation
// is kept; later ones return it unchanged.
func (k *Kernel) haltLocked(err *ir.Error) *ir.Error {
	if k.halted != nil {
		return k.halted
	}
	k.halted = err
	k.pendingHalt = err
	k.running = ir.NoProcess
	k.logger.Error("kernel halted", "err", err)
	k.emit(Event{Kind: EventHalt, PID: err.PID, Detail: err.Message})
	return err
}

func (k *Kernel) fatalf(op string, pid ir.ProcessID, format string, args ...any) *ir.Error {
	err := ir.NewError(ir.CodeFatalInvariant, op, format, args...)
	err.PID = pid
	return k.haltLocked(err)
}

func (k *Kernel) emit(ev Event) {
	if len(k.cfg.observers) == 0 {
		return
	}
	stamp := k.clock.Stamp()
	ev.Seq, ev.Tick = stamp.Seq, stamp.Tick
	for _, o := range k.cfg.observers {
		o.Observe(ev)
	}
}

// checkLocked runs the invariant sweep when WithInvariantChecks is on.
func (k *Kernel) checkLocked() error {
	if !k.cfg.checks {
		return nil
	}
	return k.verifyLocked()
}

func transitionError(op string, p ir.ProcessID, from State) *ir.Error {
	return &ir.Error{
		Code:    ir.CodeInvalidTransition,
		Op:      op,
		Message: "process is " + from.String(),
		PID:     p,
	}
}

// resolveLocked finds a live process for a lifecycle operation. A stale ID
// names a Terminated process, so it fails with INVALID_TRANSITION.
func (k *Kernel) resolveLocked(op string, pid ir.ProcessID) (*pcb, error) {
	p, res := k.table.lookup(pid)
	switch res {
	case lookupFound:
		return p, nil
	case lookupStale:
		return nil, transitionError(op, pid, StateTerminated)
	default:
		return nil, &ir.Error{Code: ir.CodeUnknownProcess, Op: op, PID: pid}
	}
}

// makeReadyLocked appends p to the tail of its level.
func (k *Kernel) makeReadyLocked(op string, p *pcb) error {
	p.state = StateReady
	p.blockReason = BlockNone
	if !k.ready[p.priority].push(p.id) {
		return k.fatalf(op, p.id, "ready queue for priority %d overflowed", p.priority)
	}
	return nil
}

// Spawn creates a process at priority bound to domain and makes it Ready.
func (k *Kernel) Spawn(priority ir.Priority, domain ir.DomainID, opts ...SpawnOption) (ir.ProcessID, error) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return ir.NoProcess, k.halted
	}

	sc := spawnConfig{inbox: k.cfg.inboxCapacity}
	for _, opt := range opts {
		opt(&sc)
	}
	if sc.inbox < 1 {
		return ir.NoProcess, ir.NewError(ir.CodeInvalidCapacity, "spawn",
			"inbox capacity %d, must be at least 1", sc.inbox)
	}

	if int(priority) >= k.cfg.levels {
		return ir.NoProcess, ir.NewError(ir.CodeInvalidPriority, "spawn",
			"priority %d, kernel has %d levels", priority, k.cfg.levels)
	}
	if sc.parent.Valid() {
		if _, res := k.table.lookup(sc.parent); res != lookupFound {
			return ir.NoProcess, &ir.Error{Code: ir.CodeUnknownProcess, Op: "spawn", Message: "parent is not live", PID: sc.parent}
		}
		if err := k.authz.AuthorizeSpawn(sc.parent); err != nil {
			return ir.NoProcess, err
		}
	}

	p, ok := k.table.alloc()
	if !ok {
		return ir.NoProcess, ir.NewError(ir.CodeTableFull, "spawn", "all %d slots in use", k.table.capacity())
	}
	if err := k.binder.Assign(p.id, domain); err != nil {
		k.table.unalloc(p)
		return ir.NoProcess, err
	}

	p.priority = priority
	p.context = sc.context
	p.domain = domain
	p.parent = sc.parent
	p.inbox = ipc.NewRingQueue(sc.inbox)
	p.tracker = ipc.NewSequenceTracker()

	k.emit(Event{Kind: EventSpawn, PID: p.id, Peer: p.parent, Priority: priority, Domain: domain})
	if err := k.makeReadyLocked("spawn", p); err != nil {
		return ir.NoProcess, err
	}

	k.logger.Debug("process spawned",
		"pid", p.id,
		"priority", priority,
		"domain", domain,
		"inbox", sc.inbox)

	if err := k.checkLocked(); err != nil {
		return ir.NoProcess, err
	}
	return p.id, nil
}

// Block moves a Ready or Running process to Blocked.
func (k *Kernel) Block(pid ir.ProcessID, reason BlockReason) error {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return k.halted
	}
	if reason != BlockMessage && reason != BlockExplicit {
		return ir.NewError(ir.CodeInvalidTransition, "block", "invalid block reason %s", reason)
	}
	p, err := k.resolveLocked("block", pid)
	if err != nil {
		return err
	}
	if err := k.blockLocked("block", p, reason); err != nil {
		return err
	}
	return k.checkLocked()
}

func (k *Kernel) blockLocked(op string, p *pcb, reason BlockReason) error {
	switch p.state {
	case StateReady:
		if !k.ready[p.priority].remove(p.id) {
			return k.fatalf(op, p.id, "ready process missing from its queue")
		}
	case StateRunning:
		k.running = ir.NoProcess
	default:
		return transitionError(op, p.id, p.state)
	}

	p.state = StateBlocked
	p.blockReason = reason
	k.emit(Event{Kind: EventBlock, PID: p.id, Detail: reason.String()})
	return nil
}

// Wake moves a Blocked process to the tail of its ready queue.
func (k *Kernel) Wake(pid ir.ProcessID) error {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return k.halted
	}
	p, err := k.resolveLocked("wake", pid)
	if err != nil {
		return err
	}
	if p.state != StateBlocked {
		return transitionError("wake", pid, p.state)
	}
	if err := k.wakeLocked("wake", p); err != nil {
		return err
	}
	return k.checkLocked()
}

func (k *Kernel) wakeLocked(op string, p *pcb) error {
	cause := p.blockReason
	if err := k.makeReadyLocked(op, p); err != nil {
		return err
	}
	k.emit(Event{Kind: EventWake, PID: p.id, Detail: cause.String()})
	return nil
}

// Yield gives up the CPU: the Running process goes to the tail of its level.
func (k *Kernel) Yield(pid ir.ProcessID) error {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return k.halted
	}
	p, err := k.resolveLocked("yield", pid)
	if err != nil {
		return err
	}
	if p.state != StateRunning {
		return transitionError("yield", pid, p.state)
	}
	k.running = ir.NoProcess
	if err := k.makeReadyLocked("yield", p); err != nil {
		return err
	}
	k.emit(Event{Kind: EventYield, PID: pid})
	return k.checkLocked()
}

// Terminate tears a process down and frees its slot.
//
// A live parent is sent an exit notice first, through the same authorized
// path as any other message. A refused notice is logged and does not stop
// the teardown.
func (k *Kernel) Terminate(pid ir.ProcessID) error {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return k.halted
	}
	p, err := k.resolveLocked("terminate", pid)
	if err != nil {
		return err
	}

	if parent, res := k.table.lookup(p.parent); res == lookupFound {
		payload := []byte("exit " + pid.String())
		if _, err := k.sendLocked("exit_notice", p, parent, k.cfg.exitClass, payload); err != nil {
			if k.halted != nil {
				return k.halted
			}
			k.logger.Warn("exit notice not delivered",
				"pid", pid,
				"parent", p.parent,
				"err", err)
		}
	}

	prev := p.state
	switch prev {
	case StateReady:
		if !k.ready[p.priority].remove(pid) {
			return k.fatalf("terminate", pid, "ready process missing from its queue")
		}
	case StateRunning:
		k.running = ir.NoProcess
	}

	p.state = StateTerminated
	p.inbox.Reset()
	p.inbox = nil
	p.tracker = nil

	if err := k.binder.Release(pid); err != nil {
		return k.fatalf("terminate", pid, "domain binding lost: %v", err)
	}
	k.emit(Event{Kind: EventTerminate, PID: pid, Detail: prev.String()})
	if err := k.table.release(pid); err != nil {
		return k.haltLocked(err)
	}

	k.logger.Debug("process terminated", "pid", pid, "from", prev)
	return k.checkLocked()
}

// ScheduleNext requeues the Running process, if any, at the tail of its
// level and dispatches the head of the highest non-empty level. Returns false
// when nothing is Ready or the kernel has halted.
func (k *Kernel) ScheduleNext() (ir.ProcessID, bool) {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return ir.NoProcess, false
	}

	if k.running.Valid() {
		cur, res := k.table.lookup(k.running)
		if res != lookupFound || cur.state != StateRunning {
			k.fatalf("schedule", k.running, "running process is not Running")
			return ir.NoProcess, false
		}
		k.running = ir.NoProcess
		if err := k.makeReadyLocked("schedule", cur); err != nil {
			return ir.NoProcess, false
		}
	}

	next, err := k.pickLocked()
	if err != nil {
		return ir.NoProcess, false
	}
	if err := k.checkLocked(); err != nil {
		return ir.NoProcess, false
	}
	return next, next.Valid()
}

// pickLocked dispatches the highest-priority Ready process, switching
// context if it differs from the last one dispatched.
func (k *Kernel) pickLocked() (ir.ProcessID, error) {
	for level := len(k.ready) - 1; level >= 0; level-- {
		pid, ok := k.ready[level].pop()
		if !ok {
			continue
		}
		p, res := k.table.lookup(pid)
		if res != lookupFound || p.state != StateReady {
			return ir.NoProcess, k.fatalf("schedule", pid, "non-ready process in ready queue %d", level)
		}

		p.state = StateRunning
		p.quantum = k.quanta[level]
		k.running = pid
		k.switchLocked(pid, p.context)
		k.emit(Event{Kind: EventDispatch, PID: pid, Priority: p.priority})
		return pid, nil
	}

	k.switchLocked(ir.NoProcess, 0)
	return ir.NoProcess, nil
}

func (k *Kernel) switchLocked(to ir.ProcessID, toCtx ir.ContextHandle) {
	if to == k.dispatched {
		return
	}
	var fromCtx ir.ContextHandle
	if prev, res := k.table.lookup(k.dispatched); res == lookupFound {
		fromCtx = prev.context
	}
	k.dispatched = to
	k.stats.switches++
	if k.cfg.switcher != nil {
		k.cfg.switcher.Switch(fromCtx, toCtx)
	}
}

// Tick charges one tick to the Running process and preempts it when its
// quantum is spent or a higher priority level has a Ready process. Returns
// true if the running process was preempted; the caller then runs
// ScheduleNext.
func (k *Kernel) Tick() bool {
	k.mu.Lock()
	defer k.unlock()

	if k.halted != nil {
		return false
	}
	k.clock.Advance()
	if !k.running.Valid() {
		return false
	}

	p, res := k.table.lookup(k.running)
	if res != lookupFound || p.state != StateRunning {
		k.fatalf("tick", k.running, "running process is not Running")
		return false
	}
	p.cpuTicks++
	p.quantum--

	var cause string
	switch {
	case p.quantum <= 0:
		cause = "quantum"
	case k.higherReadyLocked(p.priority):
		cause = "priority"
	default:
		return false
	}

	k.running = ir.NoProcess
	if err := k.makeReadyLocked("tick", p); err != nil {
		return false
	}
	k.stats.preemptions++
	k.emit(Event{Kind: EventPreempt, PID: p.id, Detail: cause})
	if err := k.checkLocked(); err != nil {
		return false
	}
	return true
}

func (k *Kernel) higherReadyLocked(level ir.Priority) bool {
	for l := int(level) + 1; l < len(k.ready); l++ {
		if k.ready[l].len() > 0 {
			return true
		}
	}
	return false
}
