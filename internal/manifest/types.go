package manifest

import (
	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
)

// AnyTarget is the grant target naming every domain.
const AnyTarget = "*"

// Manifest is a compiled boot manifest.
type Manifest struct {
	Kernel    KernelConfig
	Domains   []DomainSpec  // declaration order
	Grants    []GrantSpec   // declaration order
	Processes []ProcessSpec // spawn order

	// Hash fingerprints the compiled manifest. Two manifests that compile to
	// the same values hash the same regardless of formatting.
	Hash string
}

// KernelConfig sizes the kernel.
type KernelConfig struct {
	Capacity        int
	PriorityLevels  int
	Inbox           int
	MaxPayload      int
	ExitClass       ir.SecurityClass
	InvariantChecks bool
	Quantum         map[ir.Priority]int
}

// DomainSpec declares one isolation domain.
type DomainSpec struct {
	Name          string
	Clearance     ir.SecurityClass
	Categories    uint32 // bit i set for category i
	Capabilities  domain.Capability
	Isolation     domain.Isolation
	StrictInbound bool
}

// GrantSpec declares one capability grant by domain name. To is AnyTarget
// for a wildcard grant.
type GrantSpec struct {
	From      string
	To        string
	Class     ir.SecurityClass
	Direction domain.Direction
}

// ProcessSpec declares an initial process.
type ProcessSpec struct {
	Name     string
	Domain   string
	Priority ir.Priority
	Program  string

	// Inbox is the inbox depth; 0 means the kernel default.
	Inbox int

	// Parent names an earlier process that receives this one's exit notice.
	Parent string

	// Target, Class and Count parameterize the program.
	Target string
	Class  ir.SecurityClass
	Count  int

	Context ir.ContextHandle
}

// Domain returns the domain spec named name.
func (m *Manifest) Domain(name string) (DomainSpec, bool) {
	for _, d := range m.Domains {
		if d.Name == name {
			return d, true
		}
	}
	return DomainSpec{}, false
}

// Process returns the process spec named name.
func (m *Manifest) Process(name string) (ProcessSpec, bool) {
	for _, p := range m.Processes {
		if p.Name == name {
			return p, true
		}
	}
	return ProcessSpec{}, false
}
