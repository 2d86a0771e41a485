package domain

import (
	"fmt"
	"strings"

	"github.com/roach88/mirage/internal/ir"
)

// Isolation is how strongly a domain is separated from its peers.
type Isolation uint8

const (
	IsolationNone Isolation = iota
	IsolationProcess
	IsolationVirtualMachine
)

func (i Isolation) String() string {
	switch i {
	case IsolationNone:
		return "none"
	case IsolationProcess:
		return "process"
	case IsolationVirtualMachine:
		return "vm"
	default:
		return fmt.Sprintf("isolation(%d)", uint8(i))
	}
}

// ParseIsolation accepts "none", "process" and "vm".
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return IsolationNone, nil
	case "process":
		return IsolationProcess, nil
	case "vm", "virtual_machine":
		return IsolationVirtualMachine, nil
	default:
		return 0, fmt.Errorf("invalid isolation %q", s)
	}
}

// Capability is a set of privileges a domain confers on its processes.
type Capability uint32

const (
	CapIPC Capability = 1 << iota
	CapSpawn

	// CapDefault is what a domain holds unless told otherwise.
	CapDefault = CapIPC | CapSpawn
)

// Has reports whether c includes every flag in want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var names []string
	if c.Has(CapIPC) {
		names = append(names, "ipc")
	}
	if c.Has(CapSpawn) {
		names = append(names, "spawn")
	}
	if rest := c &^ CapDefault; rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseCapabilities accepts capability names ("ipc", "spawn") and returns
// their union. An empty list is the empty set.
func ParseCapabilities(names []string) (Capability, error) {
	var c Capability
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "ipc":
			c |= CapIPC
		case "spawn":
			c |= CapSpawn
		default:
			return 0, fmt.Errorf("invalid capability %q", name)
		}
	}
	return c, nil
}

// Direction says which way a grant lets messages flow, seen from the grant's
// subject domain.
type Direction uint8

const (
	DirectionSend Direction = 1 << iota
	DirectionReceive

	DirectionBoth = DirectionSend | DirectionReceive
)

// Allows reports whether a grant with direction d covers want.
func (d Direction) Allows(want Direction) bool {
	return d&want == want
}

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	case DirectionBoth:
		return "both"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// ParseDirection accepts "send", "receive"/"recv" and "both".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "send":
		return DirectionSend, nil
	case "receive", "recv":
		return DirectionReceive, nil
	case "both":
		return DirectionBoth, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// Rule is one capability grant held by a subject domain.
//
// Target is the peer domain (ir.AnyDomain for every domain) and Class the
// message class (ir.ClassAny for every class).
type Rule struct {
	Target    ir.DomainID      `json:"target"`
	Class     ir.SecurityClass `json:"class"`
	Direction Direction        `json:"direction"`
}

// Matches reports whether r covers a message of class flowing in direction
// dir between the subject and peer.
func (r Rule) Matches(peer ir.DomainID, class ir.SecurityClass, dir Direction) bool {
	if r.Target != ir.AnyDomain && r.Target != peer {
		return false
	}
	return r.Class.Matches(class) && r.Direction.Allows(dir)
}

func (r Rule) String() string {
	return fmt.Sprintf("%s %s %s", r.Direction, r.Target, r.Class)
}

// Profile is the part of a domain the authorization engine reads on every
// send. It is returned by value and carries no grants, so resolving it does
// not allocate.
type Profile struct {
	ID            ir.DomainID
	Clearance     ir.SecurityClass
	Categories    uint32
	Capabilities  Capability
	Isolation     Isolation
	StrictInbound bool
	Quarantined   bool
}

// Dominates reports whether the domain's label admits a message of class:
// its clearance covers the class and it holds every category the class
// carries.
func (p Profile) Dominates(class ir.SecurityClass) bool {
	want := class.Categories()
	return p.Clearance.Covers(class) && p.Categories&want == want
}

// Info is a full copy of a domain's state.
type Info struct {
	Profile
	Name      string
	Processes int
	Grants    []Rule
}
