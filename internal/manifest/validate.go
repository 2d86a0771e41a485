package manifest

import (
	"fmt"
)

// Validation error codes (E200-E299).
const (
	ErrNoDomains         = "E201" // at least one domain is required
	ErrDuplicateProcess  = "E202" // process names must be unique
	ErrUnknownDomain     = "E203" // process or grant names a missing domain
	ErrBadParent         = "E204" // parent missing, later, or self
	ErrPriorityRange     = "E205" // priority outside the configured levels
	ErrTooManyProcesses  = "E206" // more initial processes than table slots
	ErrUnknownTarget     = "E207" // program target names a missing process
	ErrQuantumRange      = "E208" // quantum override for a missing level
	ErrInboxExceedsLimit = "E209" // per-process inbox larger than allowed
)

// MaxInbox bounds a single process's inbox depth.
const MaxInbox = 4096

// ValidationError is a manifest that is well-formed CUE but refers to things
// that do not exist.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks cross references. Returns every problem found.
func Validate(m *Manifest) []ValidationError {
	var errs []ValidationError
	add := func(code, field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if len(m.Domains) == 0 {
		add(ErrNoDomains, "domains", "at least one domain is required")
	}
	domains := make(map[string]bool, len(m.Domains))
	for _, d := range m.Domains {
		domains[d.Name] = true
	}

	for level := range m.Kernel.Quantum {
		if int(level) >= m.Kernel.PriorityLevels {
			add(ErrQuantumRange, "kernel.quantum", "priority %d: kernel has %d levels", level, m.Kernel.PriorityLevels)
		}
	}

	for i, g := range m.Grants {
		field := fmt.Sprintf("grants[%d]", i)
		if !domains[g.From] {
			add(ErrUnknownDomain, field+".from", "unknown domain %q", g.From)
		}
		if g.To != AnyTarget && !domains[g.To] {
			add(ErrUnknownDomain, field+".to", "unknown domain %q", g.To)
		}
	}

	if len(m.Processes) > m.Kernel.Capacity {
		add(ErrTooManyProcesses, "processes", "%d processes, capacity is %d", len(m.Processes), m.Kernel.Capacity)
	}

	declared := make(map[string]int, len(m.Processes))
	for i, p := range m.Processes {
		field := fmt.Sprintf("processes[%d]", i)
		if _, dup := declared[p.Name]; dup {
			add(ErrDuplicateProcess, field+".name", "duplicate process %q", p.Name)
		} else {
			declared[p.Name] = i
		}
		if !domains[p.Domain] {
			add(ErrUnknownDomain, field+".domain", "unknown domain %q", p.Domain)
		}
		if int(p.Priority) >= m.Kernel.PriorityLevels {
			add(ErrPriorityRange, field+".priority", "priority %d: kernel has %d levels", p.Priority, m.Kernel.PriorityLevels)
		}
		if p.Inbox > MaxInbox {
			add(ErrInboxExceedsLimit, field+".inbox", "inbox %d exceeds %d", p.Inbox, MaxInbox)
		}
		if p.Parent != "" {
			j, ok := declared[p.Parent]
			if !ok || j == i {
				add(ErrBadParent, field+".parent", "parent %q must be declared earlier", p.Parent)
			}
		}
	}

	for i, p := range m.Processes {
		if p.Target == "" {
			continue
		}
		if _, ok := declared[p.Target]; !ok {
			add(ErrUnknownTarget, fmt.Sprintf("processes[%d].target", i), "unknown process %q", p.Target)
		}
	}

	return errs
}
