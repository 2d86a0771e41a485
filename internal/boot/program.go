package boot

import (
	"fmt"
	"strings"

	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/manifest"
)

// Program is a cooperative unit of execution. Step runs one slice for the
// process that currently holds the CPU. A Program gives up the CPU by
// yielding, receiving on an empty inbox, or exiting; otherwise it keeps the
// CPU until the scheduler preempts it.
//
// A non-nil error is a fault: the machine logs it and terminates the process.
type Program interface {
	Step(sys *Syscalls) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(sys *Syscalls) error

// Step calls f(sys).
func (f ProgramFunc) Step(sys *Syscalls) error {
	return f(sys)
}

// Factory builds the Program for one process.
type Factory func(spec manifest.ProcessSpec) Program

// Catalog maps program names to factories.
type Catalog map[string]Factory

// DefaultCatalog returns the built-in programs: idle, ping, pong and sink.
func DefaultCatalog() Catalog {
	return Catalog{
		"idle": func(manifest.ProcessSpec) Program { return ProgramFunc(idle) },
		"ping": func(spec manifest.ProcessSpec) Program { return &Ping{Target: spec.Target, Class: spec.Class, Count: spec.Count} },
		"pong": func(spec manifest.ProcessSpec) Program { return &Pong{Count: spec.Count} },
		"sink": func(spec manifest.ProcessSpec) Program { return &Sink{Count: spec.Count} },
	}
}

// Syscalls is the kernel surface a Program sees. Every call acts as the
// calling process.
type Syscalls struct {
	m    *Machine
	pid  ir.ProcessID
	spec manifest.ProcessSpec
}

// PID returns the calling process.
func (s *Syscalls) PID() ir.ProcessID { return s.pid }

// Name returns the calling process's manifest name.
func (s *Syscalls) Name() string { return s.spec.Name }

// Tick returns the kernel tick count.
func (s *Syscalls) Tick() uint64 { return s.m.Kernel.Stats().Ticks }

// Lookup resolves an initial process by manifest name. The ID may be stale
// if that process has exited.
func (s *Syscalls) Lookup(name string) (ir.ProcessID, bool) {
	pid, ok := s.m.pids[name]
	return pid, ok
}

// Send delivers payload to the process to. Returns the message sequence
// number.
func (s *Syscalls) Send(to ir.ProcessID, class ir.SecurityClass, payload []byte) (uint64, error) {
	return s.m.Kernel.Send(s.pid, to, class, payload)
}

// Receive takes the oldest message, or blocks the caller until one arrives.
func (s *Syscalls) Receive() (ir.Message, bool, error) {
	return s.m.Kernel.Receive(s.pid)
}

// Yield gives up the CPU.
func (s *Syscalls) Yield() error {
	return s.m.Kernel.Yield(s.pid)
}

// Exit terminates the caller.
func (s *Syscalls) Exit() error {
	return s.m.Terminate(s.pid)
}

func idle(sys *Syscalls) error {
	return sys.Yield()
}

// Ping sends Count round trips to Target, waiting for each reply, then
// exits. A full target inbox makes it yield and retry. A denied send ends it.
type Ping struct {
	Target string
	Class  ir.SecurityClass
	Count  int

	sent     int
	replies  int
	awaiting bool
}

// Step implements Program.
func (p *Ping) Step(sys *Syscalls) error {
	if p.awaiting {
		msg, ok, err := sys.Receive()
		if err != nil || !ok {
			return err
		}
		if strings.HasPrefix(string(msg.Payload), "pong") {
			p.replies++
			p.awaiting = false
		}
		return nil
	}

	if p.sent >= p.Count {
		return sys.Exit()
	}

	to, ok := sys.Lookup(p.Target)
	if !ok {
		return fmt.Errorf("ping: unknown target %q", p.Target)
	}
	_, err := sys.Send(to, p.Class, []byte(fmt.Sprintf("ping %d", p.sent+1)))
	switch {
	case err == nil:
		p.sent++
		p.awaiting = true
		return nil
	case ir.IsResourceExhaustion(err):
		return sys.Yield()
	case ir.IsNotAuthorized(err):
		sys.m.logger.Info("ping refused", "pid", sys.PID(), "target", p.Target, "err", err)
		return sys.Exit()
	default:
		return err
	}
}

// Replies returns the number of replies received.
func (p *Ping) Replies() int { return p.replies }

// Pong answers each message with a "pong" of the same class. It exits after
// Count replies; zero means never.
type Pong struct {
	Count int

	handled int
}

// Step implements Program.
func (p *Pong) Step(sys *Syscalls) error {
	msg, ok, err := sys.Receive()
	if err != nil || !ok {
		return err
	}

	reply := []byte(fmt.Sprintf("pong %d", msg.Sequence))
	if _, err := sys.Send(msg.Sender, msg.Class, reply); err != nil {
		if ir.IsFatal(err) {
			return err
		}
		sys.m.logger.Info("pong reply dropped", "pid", sys.PID(), "to", msg.Sender, "err", err)
	}
	p.handled++
	if p.Count > 0 && p.handled >= p.Count {
		return sys.Exit()
	}
	return nil
}

// Sink consumes messages. It exits after Count messages; zero means never.
type Sink struct {
	Count int

	received int
}

// Step implements Program.
func (s *Sink) Step(sys *Syscalls) error {
	_, ok, err := sys.Receive()
	if err != nil || !ok {
		return err
	}
	s.received++
	if s.Count > 0 && s.received >= s.Count {
		return sys.Exit()
	}
	return nil
}

// Received returns the number of messages consumed.
func (s *Sink) Received() int { return s.received }

var (
	_ Program = (*Ping)(nil)
	_ Program = (*Pong)(nil)
	_ Program = (*Sink)(nil)
)
