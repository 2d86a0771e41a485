package boot

import (
	"context"
	"errors"

	"github.com/roach88/mirage/internal/ir"
)

// StopReason says why Run returned.
type StopReason string

const (
	StopTicks     StopReason = "ticks"     // tick budget spent
	StopExited    StopReason = "exited"    // no live processes
	StopQuiescent StopReason = "quiescent" // live processes, none runnable
	StopHalted    StopReason = "halted"    // kernel halted
	StopCancelled StopReason = "cancelled" // context done
)

// Result summarizes a Run.
type Result struct {
	Reason     StopReason `json:"reason"`
	Ticks      uint64     `json:"ticks"`
	Steps      int        `json:"steps"`
	Dispatches int        `json:"dispatches"`
	Faults     int        `json:"faults"`
}

// Run drives the machine for at most ticks ticks. It returns the kernel's
// fatal error if the kernel halts and ctx.Err() if ctx is cancelled.
func (m *Machine) Run(ctx context.Context, ticks int) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "mirage.run", map[string]string{
		"manifest": m.Manifest.Hash,
	})

	res, err := m.run(ctx, ticks, func(name string, fields map[string]any) {
		span.Event(name, fields)
	})

	span.SetInt("ticks", int64(res.Ticks))
	span.SetInt("steps", int64(res.Steps))
	span.WithAttributes(map[string]string{"stop": string(res.Reason)})
	span.End(err)

	m.logger.Info("run finished",
		"reason", res.Reason,
		"ticks", res.Ticks,
		"steps", res.Steps,
		"faults", res.Faults)
	return res, err
}

func (m *Machine) run(ctx context.Context, ticks int, event func(string, map[string]any)) (Result, error) {
	var res Result
	k := m.Kernel

	for i := 0; i < ticks; i++ {
		if err := ctx.Err(); err != nil {
			res.Reason = StopCancelled
			return res, err
		}

		pid, running := k.Running()
		if !running {
			var ok bool
			pid, ok = k.ScheduleNext()
			if err := k.Err(); err != nil {
				return m.halted(res, err, event)
			}
			if !ok {
				stats := k.Stats()
				if stats.Live == 0 {
					res.Reason = StopExited
				} else {
					res.Reason = StopQuiescent
				}
				return res, nil
			}
			res.Dispatches++
			event("dispatch", map[string]any{"pid": pid.String(), "name": m.Name(pid)})
		}

		m.step(pid, &res)
		if err := k.Err(); err != nil {
			return m.halted(res, err, event)
		}

		if k.Tick() {
			event("preempt", map[string]any{"pid": pid.String(), "tick": k.Stats().Ticks})
		}
		res.Ticks++
		if err := k.Err(); err != nil {
			return m.halted(res, err, event)
		}
	}

	res.Reason = StopTicks
	return res, nil
}

// step runs one slice of pid's program. A faulting program is terminated.
func (m *Machine) step(pid ir.ProcessID, res *Result) {
	p, ok := m.programs[pid]
	if !ok {
		// A process with no program (spawned outside the manifest) idles.
		if err := m.Kernel.Yield(pid); err != nil && !ir.IsFatal(err) {
			m.logger.Warn("yield failed", "pid", pid, "err", err)
		}
		return
	}

	res.Steps++
	err := p.program.Step(p.sys)
	if err == nil || ir.IsFatal(err) {
		return
	}

	res.Faults++
	m.logger.Warn("program fault", "pid", pid, "name", m.Name(pid), "err", err)
	if _, live := m.programs[pid]; live {
		if err := m.Terminate(pid); err != nil && !ir.IsFatal(err) {
			m.logger.Error("fault teardown failed", "pid", pid, "err", err)
		}
	}
}

func (m *Machine) halted(res Result, err error, event func(string, map[string]any)) (Result, error) {
	res.Reason = StopHalted
	var kerr *ir.Error
	if errors.As(err, &kerr) {
		event("halt", map[string]any{"code": string(kerr.Code)})
	}
	m.logger.Error("kernel halted", "err", err)
	return res, err
}
