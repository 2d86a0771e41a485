package ir

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ProcessID identifies a process control block.
//
// Index is the slot in the process table; Generation is bumped every time the
// slot is torn down, so an ID held after teardown never matches the slot's
// next occupant. The zero value is never issued.
type ProcessID struct {
	Index      uint32 `json:"index"`
	Generation uint32 `json:"generation"`
}

// NoProcess is the invalid process ID.
var NoProcess ProcessID

// Valid reports whether the ID could have been issued by a process table.
func (p ProcessID) Valid() bool {
	return p.Generation != 0
}

// String renders the ID as "index.generation".
func (p ProcessID) String() string {
	if !p.Valid() {
		return "none"
	}
	return fmt.Sprintf("%d.%d", p.Index, p.Generation)
}

// ParseProcessID parses the "index.generation" form produced by String.
func ParseProcessID(s string) (ProcessID, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if !ok {
		return NoProcess, fmt.Errorf("invalid process id %q: want index.generation", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return NoProcess, fmt.Errorf("invalid process id %q: %w", s, err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil {
		return NoProcess, fmt.Errorf("invalid process id %q: %w", s, err)
	}
	if g == 0 {
		return NoProcess, fmt.Errorf("invalid process id %q: generation must be non-zero", s)
	}
	return ProcessID{Index: uint32(i), Generation: uint32(g)}, nil
}

// DomainID identifies an isolation domain.
type DomainID uint32

const (
	// NoDomain is never assigned to a domain.
	NoDomain DomainID = 0

	// AnyDomain is the wildcard target of a capability grant.
	AnyDomain DomainID = math.MaxUint32
)

func (d DomainID) String() string {
	switch d {
	case NoDomain:
		return "none"
	case AnyDomain:
		return "*"
	default:
		return fmt.Sprintf("dom%d", uint32(d))
	}
}

// Priority is a scheduling priority level. Higher values are more urgent.
type Priority uint8

// Named priority levels. A kernel may be configured with more levels; these
// are the four the default configuration uses.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return strconv.Itoa(int(p))
	}
}

// ParsePriority accepts a level name or a decimal level number.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// SecurityClass tags a message for authorization. Classes are ordered: a
// domain cleared for a class may also handle every lower class.
type SecurityClass uint8

const (
	ClassPublic SecurityClass = iota
	ClassInternal
	ClassConfidential
	ClassSystem

	// ClassAny is the wildcard class of a capability grant. It is never
	// carried by a message.
	ClassAny SecurityClass = math.MaxUint8
)

// Valid reports whether c may tag a message.
func (c SecurityClass) Valid() bool {
	return c <= ClassSystem
}

// Covers reports whether a clearance of c admits a message of class other.
func (c SecurityClass) Covers(other SecurityClass) bool {
	return other.Valid() && c >= other
}

// AllCategories is the category mask carried by system traffic and granted
// to domains cleared for it unless narrowed.
const AllCategories uint32 = math.MaxUint32

// Categories returns the compartments a message of class c belongs to. Only
// system traffic is compartmented; a domain must hold every one of them.
func (c SecurityClass) Categories() uint32 {
	if c == ClassSystem {
		return AllCategories
	}
	return 0
}

// Matches reports whether a grant class c applies to a message of class other.
func (c SecurityClass) Matches(other SecurityClass) bool {
	return c == ClassAny || c == other
}

func (c SecurityClass) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassInternal:
		return "internal"
	case ClassConfidential:
		return "confidential"
	case ClassSystem:
		return "system"
	case ClassAny:
		return "*"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseSecurityClass accepts a class name, "*" for the wildcard, and the
// aliases "low" (public) and "high" (confidential).
func ParseSecurityClass(s string) (SecurityClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "public", "low":
		return ClassPublic, nil
	case "internal":
		return ClassInternal, nil
	case "confidential", "high":
		return ClassConfidential, nil
	case "system":
		return ClassSystem, nil
	case "*", "any":
		return ClassAny, nil
	default:
		return 0, fmt.Errorf("invalid security class %q", s)
	}
}

// ContextHandle is an opaque reference to saved execution state. The core
// stores it and hands it to the context-switch primitive; it never looks inside.
type ContextHandle uint64
