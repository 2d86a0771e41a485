package kernel

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/authz"
	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
)

type fixture struct {
	k      *Kernel
	reg    *domain.Registry
	engine *authz.Engine
	a, b   ir.DomainID
	events []Event
	halts  []*ir.Error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a kernel over a real registry and engine with two
// domains, A and B, both cleared for confidential traffic and holding no
// grants. Invariant checks run after every operation.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := discardLogger()

	f := &fixture{reg: domain.NewRegistry(domain.WithLogger(logger))}
	var err error
	f.a, err = f.reg.CreateDomain("A", domain.WithClearance(ir.ClassConfidential))
	require.NoError(t, err)
	f.b, err = f.reg.CreateDomain("B", domain.WithClearance(ir.ClassConfidential))
	require.NoError(t, err)
	f.engine = authz.New(f.reg, authz.WithLogger(logger))

	base := []Option{
		WithLogger(logger),
		WithInvariantChecks(true),
		WithObserver(ObserverFunc(func(ev Event) {
			f.events = append(f.events, ev)
		})),
		WithHaltHandler(func(err *ir.Error) {
			f.halts = append(f.halts, err)
		}),
	}
	binder, err := f.reg.Binder()
	require.NoError(t, err)
	f.k, err = New(f.engine, binder, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) spawn(t *testing.T, prio ir.Priority, dom ir.DomainID, opts ...SpawnOption) ir.ProcessID {
	t.Helper()
	pid, err := f.k.Spawn(prio, dom, opts...)
	require.NoError(t, err)
	return pid
}

func (f *fixture) grantLow(t *testing.T) domain.Rule {
	t.Helper()
	rule := domain.Rule{Target: f.b, Class: ir.ClassPublic, Direction: domain.DirectionSend}
	require.NoError(t, f.reg.Grant(f.a, rule))
	return rule
}

func (f *fixture) kinds() []EventKind {
	out := make([]EventKind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func requireState(t *testing.T, k *Kernel, pid ir.ProcessID, want State) {
	t.Helper()
	got, err := k.State(pid)
	require.NoError(t, err)
	require.Equal(t, want, got, "state of %s", pid)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	reg := domain.NewRegistry(domain.WithLogger(discardLogger()))
	engine := authz.New(reg)
	binder, err := reg.Binder()
	require.NoError(t, err)

	tests := []struct {
		name string
		opt  Option
	}{
		{"zero capacity", WithCapacity(0)},
		{"zero levels", WithPriorityLevels(0)},
		{"too many levels", WithPriorityLevels(MaxPriorityLevels + 1)},
		{"zero inbox", WithDefaultInbox(0)},
		{"negative payload", WithMaxPayload(-1)},
		{"quantum level out of range", WithQuantum(ir.Priority(9), 3)},
		{"zero quantum", WithQuantum(ir.PriorityLow, 0)},
		{"wildcard exit class", WithExitNoticeClass(ir.ClassAny)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(engine, binder, tt.opt)
			assert.Error(t, err)
		})
	}

	_, err = New(nil, binder)
	assert.Error(t, err)
	_, err = New(engine, nil)
	assert.Error(t, err)
}

func TestNew_Quanta(t *testing.T) {
	f := newFixture(t, WithQuantum(ir.PriorityHigh, 9))

	assert.Equal(t, 4, f.k.Levels())
	assert.Equal(t, 2, f.k.Quantum(ir.PriorityLow))
	assert.Equal(t, 4, f.k.Quantum(ir.PriorityNormal))
	assert.Equal(t, 9, f.k.Quantum(ir.PriorityHigh))
	assert.Equal(t, 8, f.k.Quantum(ir.PriorityCritical))
	assert.Equal(t, 0, f.k.Quantum(ir.Priority(4)))
}

// Scenario: two processes in the same domain at priorities 1 and 2; the
// priority-2 process is scheduled first.
func TestScheduleNext_HigherPriorityFirst(t *testing.T) {
	f := newFixture(t)
	p1 := f.spawn(t, 1, f.a)
	p2 := f.spawn(t, 2, f.a)

	got, ok := f.k.ScheduleNext()
	require.True(t, ok)
	assert.Equal(t, p2, got)

	requireState(t, f.k, p2, StateRunning)
	requireState(t, f.k, p1, StateReady)
	running, ok := f.k.Running()
	require.True(t, ok)
	assert.Equal(t, p2, running)
}

func TestScheduleNext_Idle(t *testing.T) {
	f := newFixture(t)
	pid, ok := f.k.ScheduleNext()
	assert.False(t, ok)
	assert.Equal(t, ir.NoProcess, pid)
}

func TestScheduleNext_RoundRobinWithinLevel(t *testing.T) {
	f := newFixture(t)
	p1 := f.spawn(t, 1, f.a)
	p2 := f.spawn(t, 1, f.a)
	p3 := f.spawn(t, 1, f.a)

	var order []ir.ProcessID
	for i := 0; i < 6; i++ {
		pid, ok := f.k.ScheduleNext()
		require.True(t, ok)
		order = append(order, pid)
	}
	assert.Equal(t, []ir.ProcessID{p1, p2, p3, p1, p2, p3}, order)
}

func TestScheduleNext_LowerLevelOnlyWhenHigherEmpty(t *testing.T) {
	f := newFixture(t)
	low := f.spawn(t, ir.PriorityLow, f.a)
	high := f.spawn(t, ir.PriorityHigh, f.a)

	pid, _ := f.k.ScheduleNext()
	require.Equal(t, high, pid)

	require.NoError(t, f.k.Block(high, BlockExplicit))
	pid, ok := f.k.ScheduleNext()
	require.True(t, ok)
	assert.Equal(t, low, pid)

	require.NoError(t, f.k.Wake(high))
	pid, _ = f.k.ScheduleNext()
	assert.Equal(t, high, pid, "woken higher-priority process wins the next dispatch")
	requireState(t, f.k, low, StateReady)
}

func TestScheduleNext_ContextSwitch(t *testing.T) {
	type sw struct{ from, to ir.ContextHandle }
	var switches []sw

	f := newFixture(t, WithContextSwitcher(ContextSwitcherFunc(func(from, to ir.ContextHandle) {
		switches = append(switches, sw{from, to})
	})))
	p1 := f.spawn(t, 1, f.a, WithContext(100))
	p2 := f.spawn(t, 1, f.a, WithContext(200))

	f.k.ScheduleNext() // p1
	f.k.ScheduleNext() // p2
	f.k.ScheduleNext() // p1

	require.NoError(t, f.k.Terminate(p1))
	pid, _ := f.k.ScheduleNext()
	require.Equal(t, p2, pid)

	require.NoError(t, f.k.Block(p2, BlockExplicit))
	_, ok := f.k.ScheduleNext()
	require.False(t, ok)

	// Same process dispatched twice in a row does not switch.
	require.NoError(t, f.k.Wake(p2))
	f.k.ScheduleNext()
	f.k.ScheduleNext()

	assert.Equal(t, []sw{
		{0, 100},
		{100, 200},
		{200, 100},
		{0, 200}, // the outgoing process is gone
		{200, 0}, // idle
		{0, 200},
	}, switches)
	assert.Equal(t, uint64(len(switches)), f.k.Stats().Switches)
}

func TestSpawn_Errors(t *testing.T) {
	f := newFixture(t, WithCapacity(2))

	_, err := f.k.Spawn(ir.Priority(4), f.a)
	assert.True(t, errors.Is(err, ir.ErrInvalidPriority))
	assert.True(t, ir.IsProtocolError(err))

	_, err = f.k.Spawn(1, ir.DomainID(77))
	assert.True(t, errors.Is(err, ir.ErrUnknownDomain))

	_, err = f.k.Spawn(1, f.a, WithParent(ir.ProcessID{Index: 1, Generation: 1}))
	assert.True(t, errors.Is(err, ir.ErrUnknownProcess))

	// Failed spawns consume nothing: the first ID is still 0.1.
	first := f.spawn(t, 1, f.a)
	assert.Equal(t, ir.ProcessID{Index: 0, Generation: 1}, first)
	f.spawn(t, 1, f.b)

	before := f.k.Stats()
	_, err = f.k.Spawn(1, f.a)
	assert.True(t, errors.Is(err, ir.ErrTableFull))
	assert.True(t, ir.IsResourceExhaustion(err))
	assert.Equal(t, before, f.k.Stats(), "table full leaves state unchanged")
}

func TestSpawn_InboxCapacity(t *testing.T) {
	f := newFixture(t, WithDefaultInbox(3))
	p1 := f.spawn(t, 1, f.a)
	p2 := f.spawn(t, 1, f.a, WithInboxCapacity(5))

	s1, err := f.k.Process(p1)
	require.NoError(t, err)
	assert.Equal(t, 3, s1.InboxCap)

	s2, err := f.k.Process(p2)
	require.NoError(t, err)
	assert.Equal(t, 5, s2.InboxCap)
	assert.Equal(t, f.a, s2.Domain)
	assert.Equal(t, StateReady, s2.State)
}

func TestSpawn_ParentNeedsSpawnCapability(t *testing.T) {
	f := newFixture(t)
	leaf, err := f.reg.CreateDomain("leaf", domain.WithCapabilities(domain.CapIPC))
	require.NoError(t, err)
	parent := f.spawn(t, 1, leaf)
	before := f.k.Stats()

	_, err = f.k.Spawn(1, f.a, WithParent(parent))
	require.Error(t, err)
	assert.True(t, ir.IsNotAuthorized(err))
	var ke *ir.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, ir.DenyNoSpawn, ke.Reason)
	assert.Equal(t, before, f.k.Stats(), "denied spawn allocates nothing")

	// Without a parent there is no one to authorize.
	f.spawn(t, 1, leaf)
}

func TestSpawn_RejectsInvalidInboxCapacity(t *testing.T) {
	f := newFixture(t)
	before := f.k.Stats()

	for _, n := range []int{0, -4} {
		_, err := f.k.Spawn(1, f.a, WithInboxCapacity(n))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ir.ErrInvalidCapacity), "capacity %d", n)
		assert.True(t, ir.IsProtocolError(err))
	}
	assert.Equal(t, before, f.k.Stats(), "rejected spawn allocates nothing")
	info, _ := f.reg.Domain(f.a)
	assert.Equal(t, 0, info.Processes)
}

func TestBlockWake_Transitions(t *testing.T) {
	f := newFixture(t)
	p := f.spawn(t, 1, f.a)

	err := f.k.Wake(p)
	assert.True(t, errors.Is(err, ir.ErrInvalidTransition), "wake requires Blocked")

	require.NoError(t, f.k.Block(p, BlockExplicit))
	requireState(t, f.k, p, StateBlocked)
	assert.Empty(t, f.k.ReadyQueue(1))

	err = f.k.Block(p, BlockExplicit)
	assert.True(t, errors.Is(err, ir.ErrInvalidTransition), "block requires Ready or Running")

	err = f.k.Block(p, BlockNone)
	assert.True(t, errors.Is(err, ir.ErrInvalidTransition))

	require.NoError(t, f.k.Wake(p))
	requireState(t, f.k, p, StateReady)
	assert.Equal(t, []ir.ProcessID{p}, f.k.ReadyQueue(1))

	pid, _ := f.k.ScheduleNext()
	require.Equal(t, p, pid)
	require.NoError(t, f.k.Block(p, BlockExplicit))
	_, running := f.k.Running()
	assert.False(t, running, "blocking the running process frees the CPU")
}

func TestYield(t *testing.T) {
	f := newFixture(t)
	p1 := f.spawn(t, 1, f.a)
	p2 := f.spawn(t, 1, f.a)

	err := f.k.Yield(p1)
	assert.True(t, errors.Is(err, ir.ErrInvalidTransition))

	pid, _ := f.k.ScheduleNext()
	require.Equal(t, p1, pid)
	require.NoError(t, f.k.Yield(p1))
	assert.Equal(t, []ir.ProcessID{p2, p1}, f.k.ReadyQueue(1))
}

func TestTick_QuantumExpiry(t *testing.T) {
	f := newFixture(t)
	p := f.spawn(t, ir.PriorityLow, f.a)

	assert.False(t, f.k.Tick(), "idle tick preempts nothing")

	f.k.ScheduleNext()
	assert.False(t, f.k.Tick())
	assert.True(t, f.k.Tick(), "priority 0 quantum is 2 ticks")
	requireState(t, f.k, p, StateReady)

	snap, err := f.k.Process(p)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.CPUTicks)

	stats := f.k.Stats()
	assert.Equal(t, uint64(3), stats.Ticks)
	assert.Equal(t, uint64(1), stats.Preemptions)
}

func TestTick_HigherPriorityPreempts(t *testing.T) {
	f := newFixture(t)
	low := f.spawn(t, ir.PriorityLow, f.a)
	f.k.ScheduleNext()

	high := f.spawn(t, ir.PriorityCritical, f.a)
	assert.True(t, f.k.Tick())
	requireState(t, f.k, low, StateReady)

	pid, _ := f.k.ScheduleNext()
	assert.Equal(t, high, pid)

	preempt := f.events[len(f.events)-2]
	assert.Equal(t, EventPreempt, preempt.Kind)
	assert.Equal(t, "priority", preempt.Detail)
}

func TestTerminate_Twice(t *testing.T) {
	f := newFixture(t)
	p := f.spawn(t, 1, f.a)
	require.NoError(t, f.k.Terminate(p))

	before := f.k.Stats()
	err := f.k.Terminate(p)
	assert.True(t, errors.Is(err, ir.ErrInvalidTransition))
	assert.Equal(t, before, f.k.Stats(), "table unchanged")

	requireState(t, f.k, p, StateTerminated)

	_, err = f.k.State(ir.ProcessID{Index: 5, Generation: 1})
	assert.True(t, errors.Is(err, ir.ErrUnknownProcess))
	err = f.k.Terminate(ir.ProcessID{Index: 500, Generation: 1})
	assert.True(t, errors.Is(err, ir.ErrUnknownProcess))
}

func TestTerminate_SlotReuseBumpsGeneration(t *testing.T) {
	f := newFixture(t, WithCapacity(1))
	old := f.spawn(t, 1, f.a)
	require.NoError(t, f.k.Terminate(old))

	fresh := f.spawn(t, 1, f.a)
	assert.Equal(t, old.Index, fresh.Index)
	assert.Equal(t, old.Generation+1, fresh.Generation)

	requireState(t, f.k, old, StateTerminated)
	requireState(t, f.k, fresh, StateReady)

	err := f.k.Block(old, BlockExplicit)
	assert.True(t, errors.Is(err, ir.ErrInvalidTransition), "stale id must not reach the new occupant")
	requireState(t, f.k, fresh, StateReady)
}

func TestTerminate_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.grantLow(t)
	sender := f.spawn(t, 1, f.a)
	receiver := f.spawn(t, 1, f.b)

	_, err := f.k.Send(sender, receiver, ir.ClassPublic, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.k.Block(receiver, BlockExplicit))

	require.NoError(t, f.k.Terminate(receiver))

	_, err = f.reg.Lookup(receiver)
	assert.True(t, errors.Is(err, ir.ErrUnknownProcess), "registry binding released")
	info, err := f.reg.Domain(f.b)
	require.NoError(t, err)
	assert.Equal(t, 0, info.Processes)
	require.NoError(t, f.reg.RemoveDomain(f.b))

	stats := f.k.Stats()
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 0, stats.Blocked)

	_, err = f.k.Send(sender, receiver, ir.ClassPublic, nil)
	assert.True(t, errors.Is(err, ir.ErrUnknownReceiver))
}

func TestTerminate_Running(t *testing.T) {
	f := newFixture(t)
	p := f.spawn(t, 1, f.a)
	f.k.ScheduleNext()

	require.NoError(t, f.k.Terminate(p))
	_, ok := f.k.Running()
	assert.False(t, ok)
	_, ok = f.k.ScheduleNext()
	assert.False(t, ok)
}

func TestTerminate_ExitNoticeToParent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Grant(f.a, domain.Rule{Target: f.a, Class: ir.ClassPublic, Direction: domain.DirectionSend}))

	parent := f.spawn(t, 1, f.a)
	child := f.spawn(t, 1, f.a, WithParent(parent))

	_, ok, err := f.k.Receive(parent)
	require.NoError(t, err)
	require.False(t, ok)
	requireState(t, f.k, parent, StateBlocked)

	require.NoError(t, f.k.Terminate(child))
	requireState(t, f.k, parent, StateReady)

	msg, ok, err := f.k.Dequeue(parent)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, child, msg.Sender)
	assert.Equal(t, "exit "+child.String(), string(msg.Payload))
}

func TestTerminate_DeniedExitNoticeStillTerminates(t *testing.T) {
	f := newFixture(t)
	parent := f.spawn(t, 1, f.b)
	child := f.spawn(t, 1, f.a, WithParent(parent))

	require.NoError(t, f.k.Terminate(child))
	requireState(t, f.k, child, StateTerminated)

	inbox, err := f.k.Inbox(parent)
	require.NoError(t, err)
	assert.Empty(t, inbox)
	assert.Equal(t, uint64(1), f.k.Stats().Denied)
}

func TestEvents_Observed(t *testing.T) {
	f := newFixture(t)
	f.grantLow(t)
	p1 := f.spawn(t, 1, f.a)
	p2 := f.spawn(t, 1, f.b)
	f.k.ScheduleNext()
	_, err := f.k.Send(p1, p2, ir.ClassPublic, []byte("hi"))
	require.NoError(t, err)
	_, err = f.k.Send(p1, p2, ir.ClassConfidential, nil)
	require.Error(t, err)
	_, _, err = f.k.Dequeue(p2)
	require.NoError(t, err)
	require.NoError(t, f.k.Terminate(p1))

	assert.Equal(t, []EventKind{
		EventSpawn, EventSpawn, EventDispatch, EventSend, EventDeny, EventReceive, EventTerminate,
	}, f.kinds())

	for i := 1; i < len(f.events); i++ {
		assert.Greater(t, f.events[i].Seq, f.events[i-1].Seq)
	}

	deny := f.events[4].Fields()
	assert.Equal(t, "no_grant", deny["detail"])
	assert.Equal(t, "confidential", deny["class"])
	assert.Equal(t, p2.String(), deny["peer"])
}

func ruleAnyToAny() domain.Rule {
	return domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionBoth}
}
