package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/mirage/internal/boot"
	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/kernel"
	"github.com/roach88/mirage/internal/manifest"
	"github.com/roach88/mirage/internal/store"
	"github.com/roach88/mirage/internal/testutil"
)

// Harness is the test execution engine.
// It runs one scenario against a freshly booted machine.
type Harness struct {
	ctx      context.Context
	mach     *boot.Machine
	store    *store.Store
	recorder *store.Recorder
	log      *testutil.EventLog
	switches [][2]uint64
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation, under a
// fixed run ID so traces and audit records are reproducible.
//
// Execution flow:
// 1. Compile the manifest and open an in-memory audit store
// 2. Boot the machine with trace, audit and context-switch recorders
// 3. Execute steps, checking each step's expect clause
// 4. Evaluate assertions against the trace, kernel state and audit log
//
// A returned error means the scenario could not be executed at all. Step and
// assertion failures are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	m, err := manifest.Load(scenario.Manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	logger := testutil.DiscardLogger()
	runID := testutil.NewFixedRunIDGenerator(scenario.RunID).Generate()

	if err := st.BeginRun(ctx, store.Run{
		ID:            runID,
		ManifestHash:  m.Hash,
		KernelVersion: ir.KernelVersion,
		TraceVersion:  ir.TraceVersion,
	}); err != nil {
		return nil, fmt.Errorf("failed to begin run: %w", err)
	}

	h := &Harness{
		ctx:      ctx,
		store:    st,
		recorder: store.NewRecorder(ctx, st, runID, logger),
		log:      testutil.NewEventLog(),
		switches: [][2]uint64{},
		logger:   logger,
	}

	mach, err := boot.New(m,
		boot.WithLogger(logger),
		boot.WithObserver(h.log),
		boot.WithObserver(h.recorder),
		boot.WithAuditor(h.recorder),
		boot.WithContextSwitcher(kernel.ContextSwitcherFunc(func(from, to ir.ContextHandle) {
			h.switches = append(h.switches, [2]uint64{uint64(from), uint64(to)})
		})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to boot manifest: %w", err)
	}
	h.mach = mach

	result := NewResult()
	result.RunID = runID

	for i, step := range scenario.Steps {
		if err := h.execute(step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, step.Op, err))
		}
	}

	if err := h.recorder.Err(); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	status, haltCode := store.RunFinished, ""
	if kerr := mach.Kernel.Err(); kerr != nil {
		status = store.RunHalted
		var e *ir.Error
		if errors.As(kerr, &e) {
			haltCode = string(e.Code)
		}
	}
	if err := st.FinishRun(ctx, runID, status, haltCode, mach.Kernel.Stats().Ticks); err != nil {
		return nil, fmt.Errorf("failed to finish run: %w", err)
	}

	result.Trace = h.trace()
	result.Switches = h.switches

	actx := &AssertionContext{
		Ctx:     ctx,
		Store:   st,
		RunID:   runID,
		Machine: mach,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// trace converts the recorded kernel events, naming processes by their
// scenario names.
func (h *Harness) trace() []TraceEvent {
	events := h.log.Events()
	out := make([]TraceEvent, 0, len(events))
	for _, ev := range events {
		te := TraceEvent{
			Seq:    ev.Seq,
			Kind:   string(ev.Kind),
			Detail: ev.Detail,
			Fields: ev.Fields(),
		}
		if ev.PID.Valid() {
			te.Process = h.mach.Name(ev.PID)
		}
		if ev.Peer.Valid() {
			te.Peer = h.mach.Name(ev.Peer)
		}
		out = append(out, te)
	}
	return out
}

// execute runs one step. The returned error describes how the step diverged
// from its expect clause.
func (h *Harness) execute(st Step) error {
	k := h.mach.Kernel

	switch st.Op {
	case OpSpawn:
		prio := ir.PriorityNormal
		if st.Priority != "" {
			p, err := ir.ParsePriority(st.Priority)
			if err != nil {
				return err
			}
			prio = p
		}
		_, err := h.mach.Spawn(manifest.ProcessSpec{
			Name:     st.Name,
			Domain:   st.Domain,
			Priority: prio,
			Inbox:    st.Inbox,
			Parent:   st.Parent,
			Context:  ir.ContextHandle(st.Context),
		})
		return checkError(err, st.Expect)

	case OpSchedule:
		pid, ok := k.ScheduleNext()
		if err := k.Err(); err != nil {
			return checkError(err, st.Expect)
		}
		if st.Expect == nil || st.Expect.Process == "" {
			return nil
		}
		got := "none"
		if ok {
			got = h.mach.Name(pid)
		}
		if got != st.Expect.Process {
			return fmt.Errorf("dispatched %s, want %s", got, st.Expect.Process)
		}
		return nil

	case OpTick:
		n := st.Count
		if n <= 0 {
			n = 1
		}
		var preempted bool
		for i := 0; i < n; i++ {
			preempted = k.Tick()
		}
		if err := k.Err(); err != nil {
			return checkError(err, st.Expect)
		}
		if st.Expect != nil && st.Expect.Preempted != nil && *st.Expect.Preempted != preempted {
			return fmt.Errorf("preempted = %t, want %t", preempted, *st.Expect.Preempted)
		}
		return nil

	case OpBlock:
		pid, err := h.pid(st.Process)
		if err != nil {
			return err
		}
		reason, err := parseBlockReason(st.Reason)
		if err != nil {
			return err
		}
		return checkError(k.Block(pid, reason), st.Expect)

	case OpWake, OpYield, OpTerminate:
		pid, err := h.pid(st.Process)
		if err != nil {
			return err
		}
		switch st.Op {
		case OpWake:
			err = k.Wake(pid)
		case OpYield:
			err = k.Yield(pid)
		default:
			err = h.mach.Terminate(pid)
		}
		return checkError(err, st.Expect)

	case OpSend:
		return h.send(st)

	case OpReceive, OpDequeue:
		pid, err := h.pid(st.Process)
		if err != nil {
			return err
		}
		var (
			msg ir.Message
			ok  bool
		)
		if st.Op == OpReceive {
			msg, ok, err = k.Receive(pid)
		} else {
			msg, ok, err = k.Dequeue(pid)
		}
		if err != nil || (st.Expect != nil && st.Expect.Error != "") {
			return checkError(err, st.Expect)
		}
		return checkMessage(msg, ok, st.Expect)

	case OpCreateDomain:
		spec := manifest.DomainSpec{
			Name:          st.Domain,
			Clearance:     ir.ClassPublic,
			Capabilities:  domain.CapDefault,
			StrictInbound: st.Strict,
		}
		if st.Clearance != "" {
			c, err := ir.ParseSecurityClass(st.Clearance)
			if err != nil {
				return err
			}
			spec.Clearance = c
		}
		spec.Categories = spec.Clearance.Categories()
		iso, err := domain.ParseIsolation(st.Isolation)
		if err != nil {
			return err
		}
		spec.Isolation = iso
		_, err = h.mach.CreateDomain(spec)
		return checkError(err, st.Expect)

	case OpRemoveDomain:
		id, err := h.domain(st.Domain)
		if err != nil {
			return err
		}
		return checkError(h.mach.Registry.RemoveDomain(id), st.Expect)

	case OpGrant, OpRevoke:
		subject, err := h.domain(st.Domain)
		if err != nil {
			return err
		}
		rule, err := h.rule(st)
		if err != nil {
			return err
		}
		if st.Op == OpGrant {
			err = h.mach.Registry.Grant(subject, rule)
		} else {
			err = h.mach.Registry.Revoke(subject, rule)
		}
		return checkError(err, st.Expect)

	case OpQuarantine:
		id, err := h.domain(st.Domain)
		if err != nil {
			return err
		}
		on := st.On == nil || *st.On
		return checkError(h.mach.Registry.Quarantine(id, on), st.Expect)

	case OpRun:
		res, err := h.mach.Run(h.ctx, st.Ticks)
		if err := checkError(err, st.Expect); err != nil {
			return err
		}
		if st.Expect != nil && st.Expect.Stop != "" && string(res.Reason) != st.Expect.Stop {
			return fmt.Errorf("run stopped with %s, want %s", res.Reason, st.Expect.Stop)
		}
		return nil

	case OpVerify:
		return checkError(k.Verify(), st.Expect)

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func (h *Harness) send(st Step) error {
	from, err := h.pid(st.From)
	if err != nil {
		return err
	}
	to, err := h.pid(st.To)
	if err != nil {
		return err
	}
	class := ir.ClassPublic
	if st.Class != "" {
		if class, err = ir.ParseSecurityClass(st.Class); err != nil {
			return err
		}
	}

	seq, err := h.mach.Kernel.Send(from, to, class, []byte(st.Payload))
	if err := checkError(err, st.Expect); err != nil {
		return err
	}
	if st.Expect == nil {
		return nil
	}
	if st.Expect.Reason != "" {
		reason, ok := ir.DenyReasonOf(err)
		if !ok || reason.String() != st.Expect.Reason {
			return fmt.Errorf("deny reason %s, want %s", reason, st.Expect.Reason)
		}
	}
	if st.Expect.Sequence != 0 && seq != st.Expect.Sequence {
		return fmt.Errorf("sequence %d, want %d", seq, st.Expect.Sequence)
	}
	return nil
}

func (h *Harness) rule(st Step) (domain.Rule, error) {
	rule := domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}
	if st.Target != manifest.AnyTarget {
		id, err := h.domain(st.Target)
		if err != nil {
			return rule, err
		}
		rule.Target = id
	}
	if st.Class != "" {
		c, err := ir.ParseSecurityClass(st.Class)
		if err != nil {
			return rule, err
		}
		rule.Class = c
	}
	if st.Direction != "" {
		d, err := domain.ParseDirection(st.Direction)
		if err != nil {
			return rule, err
		}
		rule.Direction = d
	}
	return rule, nil
}

func (h *Harness) pid(name string) (ir.ProcessID, error) {
	pid, ok := h.mach.PID(name)
	if !ok {
		return ir.NoProcess, fmt.Errorf("unknown process %q", name)
	}
	return pid, nil
}

func (h *Harness) domain(name string) (ir.DomainID, error) {
	id, ok := h.mach.DomainID(name)
	if !ok {
		return ir.NoDomain, fmt.Errorf("unknown domain %q", name)
	}
	return id, nil
}

// checkError compares a step's error against the expected error code.
func checkError(err error, exp *Expect) error {
	want := ""
	if exp != nil {
		want = exp.Error
	}
	switch {
	case err == nil && want == "":
		return nil
	case err == nil:
		return fmt.Errorf("succeeded, want error %s", want)
	case want == "":
		return fmt.Errorf("unexpected error: %w", err)
	}

	var e *ir.Error
	if !errors.As(err, &e) {
		return fmt.Errorf("error %q has no code, want %s", err, want)
	}
	if string(e.Code) != want {
		return fmt.Errorf("error code %s, want %s", e.Code, want)
	}
	return nil
}

func checkMessage(msg ir.Message, ok bool, exp *Expect) error {
	if exp == nil {
		return nil
	}
	if exp.Empty && ok {
		return fmt.Errorf("got message %q, want empty inbox", msg.Payload)
	}
	if exp.Payload != nil {
		if !ok {
			return fmt.Errorf("inbox empty, want %q", *exp.Payload)
		}
		if string(msg.Payload) != *exp.Payload {
			return fmt.Errorf("payload %q, want %q", msg.Payload, *exp.Payload)
		}
	}
	if exp.Sequence != 0 && msg.Sequence != exp.Sequence {
		return fmt.Errorf("sequence %d, want %d", msg.Sequence, exp.Sequence)
	}
	return nil
}

func parseBlockReason(s string) (kernel.BlockReason, error) {
	switch s {
	case "", "explicit":
		return kernel.BlockExplicit, nil
	case "message":
		return kernel.BlockMessage, nil
	default:
		return kernel.BlockNone, fmt.Errorf("invalid block reason %q", s)
	}
}
