package manifest

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// CompileError is a manifest that does not satisfy the schema or cannot be
// decoded.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError converts a CUE error into a CompileError carrying the first
// error's position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := "cue"
	if path := first.Path(); len(path) > 0 {
		field = strings.Join(path, ".")
	}
	ce := &CompileError{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}

// Load reads and compiles the manifest at path.
func Load(path string) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return CompileBytes(src, filepath.Base(path))
}

// CompileBytes compiles manifest source. filename is used in error
// positions.
func CompileBytes(src []byte, filename string) (*Manifest, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return Compile(v)
}

// Compile unifies v with the manifest schema and decodes it.
func Compile(v cue.Value) (*Manifest, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := v.Context().CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	u := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(v)
	if err := u.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var raw rawManifest
	if err := u.Decode(&raw); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{}
	if err := raw.Kernel.into(&m.Kernel); err != nil {
		return nil, err
	}

	domains, err := parseDomains(u.LookupPath(cue.ParsePath("domains")))
	if err != nil {
		return nil, err
	}
	m.Domains = domains

	for i, g := range raw.Grants {
		spec, err := g.spec()
		if err != nil {
			return nil, &CompileError{Field: fmt.Sprintf("grants[%d]", i), Message: err.Error()}
		}
		m.Grants = append(m.Grants, spec)
	}
	for i, p := range raw.Processes {
		spec, err := p.spec()
		if err != nil {
			return nil, &CompileError{Field: fmt.Sprintf("processes[%d]", i), Message: err.Error()}
		}
		m.Processes = append(m.Processes, spec)
	}

	m.Hash, err = ir.ContentHash(ir.DomainManifest, m.canonical())
	if err != nil {
		return nil, fmt.Errorf("hash manifest: %w", err)
	}
	return m, nil
}

// parseDomains walks the domains struct so declaration order is kept.
func parseDomains(v cue.Value) ([]DomainSpec, error) {
	var out []DomainSpec
	if !v.Exists() {
		return out, nil
	}

	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		var raw rawDomain
		if err := iter.Value().Decode(&raw); err != nil {
			return nil, formatCUEError(err)
		}
		spec, err := raw.spec(iter.Selector().Unquoted())
		if err != nil {
			return nil, &CompileError{
				Field:   "domains." + iter.Selector().String(),
				Message: err.Error(),
				Pos:     iter.Value().Pos(),
			}
		}
		out = append(out, spec)
	}
	return out, nil
}

type rawManifest struct {
	Kernel    rawKernel    `json:"kernel"`
	Grants    []rawGrant   `json:"grants"`
	Processes []rawProcess `json:"processes"`
}

type rawKernel struct {
	Capacity        int          `json:"capacity"`
	PriorityLevels  int          `json:"priority_levels"`
	Inbox           int          `json:"inbox"`
	MaxPayload      int          `json:"max_payload"`
	ExitClass       string       `json:"exit_class"`
	InvariantChecks bool         `json:"invariant_checks"`
	Quantum         []rawQuantum `json:"quantum"`
}

type rawQuantum struct {
	Priority string `json:"priority"`
	Ticks    int    `json:"ticks"`
}

func (r rawKernel) into(k *KernelConfig) error {
	exit, err := ir.ParseSecurityClass(r.ExitClass)
	if err != nil {
		return &CompileError{Field: "kernel.exit_class", Message: err.Error()}
	}
	*k = KernelConfig{
		Capacity:        r.Capacity,
		PriorityLevels:  r.PriorityLevels,
		Inbox:           r.Inbox,
		MaxPayload:      r.MaxPayload,
		ExitClass:       exit,
		InvariantChecks: r.InvariantChecks,
		Quantum:         make(map[ir.Priority]int, len(r.Quantum)),
	}
	for i, q := range r.Quantum {
		p, err := ir.ParsePriority(q.Priority)
		if err != nil {
			return &CompileError{Field: fmt.Sprintf("kernel.quantum[%d]", i), Message: err.Error()}
		}
		k.Quantum[p] = q.Ticks
	}
	return nil
}

type rawDomain struct {
	Clearance     string   `json:"clearance"`
	Categories    *[]int   `json:"categories"`
	Capabilities  []string `json:"capabilities"`
	Isolation     string   `json:"isolation"`
	StrictInbound bool     `json:"strict_inbound"`
}

func (r rawDomain) spec(name string) (DomainSpec, error) {
	clearance, err := ir.ParseSecurityClass(r.Clearance)
	if err != nil {
		return DomainSpec{}, err
	}
	iso, err := domain.ParseIsolation(r.Isolation)
	if err != nil {
		return DomainSpec{}, err
	}
	caps, err := domain.ParseCapabilities(r.Capabilities)
	if err != nil {
		return DomainSpec{}, err
	}
	categories := clearance.Categories()
	if r.Categories != nil {
		categories = 0
		for _, bit := range *r.Categories {
			if bit < 0 || bit > 31 {
				return DomainSpec{}, fmt.Errorf("category %d out of range 0..31", bit)
			}
			categories |= 1 << uint(bit)
		}
	}
	return DomainSpec{
		Name:          name,
		Clearance:     clearance,
		Categories:    categories,
		Capabilities:  caps,
		Isolation:     iso,
		StrictInbound: r.StrictInbound,
	}, nil
}

type rawGrant struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Class     string `json:"class"`
	Direction string `json:"direction"`
}

func (r rawGrant) spec() (GrantSpec, error) {
	class, err := ir.ParseSecurityClass(r.Class)
	if err != nil {
		return GrantSpec{}, err
	}
	dir, err := domain.ParseDirection(r.Direction)
	if err != nil {
		return GrantSpec{}, err
	}
	return GrantSpec{From: r.From, To: r.To, Class: class, Direction: dir}, nil
}

type rawProcess struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Priority string `json:"priority"`
	Program  string `json:"program"`
	Inbox    int    `json:"inbox"`
	Parent   string `json:"parent"`
	Target   string `json:"target"`
	Class    string `json:"class"`
	Count    int    `json:"count"`
	Context  int64  `json:"context"`
}

func (r rawProcess) spec() (ProcessSpec, error) {
	prio, err := ir.ParsePriority(r.Priority)
	if err != nil {
		return ProcessSpec{}, err
	}
	class, err := ir.ParseSecurityClass(r.Class)
	if err != nil {
		return ProcessSpec{}, err
	}
	return ProcessSpec{
		Name:     r.Name,
		Domain:   r.Domain,
		Priority: prio,
		Program:  r.Program,
		Inbox:    r.Inbox,
		Parent:   r.Parent,
		Target:   r.Target,
		Class:    class,
		Count:    r.Count,
		Context:  ir.ContextHandle(r.Context),
	}, nil
}

// canonical renders the manifest for hashing.
func (m *Manifest) canonical() map[string]any {
	quantum := make(map[string]any, len(m.Kernel.Quantum))
	for p, ticks := range m.Kernel.Quantum {
		quantum[fmt.Sprintf("%d", uint8(p))] = ticks
	}

	domains := make([]any, 0, len(m.Domains))
	for _, d := range m.Domains {
		domains = append(domains, map[string]any{
			"name":           d.Name,
			"clearance":      d.Clearance.String(),
			"categories":     int64(d.Categories),
			"capabilities":   d.Capabilities.String(),
			"isolation":      d.Isolation.String(),
			"strict_inbound": d.StrictInbound,
		})
	}

	grants := make([]any, 0, len(m.Grants))
	for _, g := range m.Grants {
		grants = append(grants, map[string]any{
			"from":      g.From,
			"to":        g.To,
			"class":     g.Class.String(),
			"direction": g.Direction.String(),
		})
	}

	procs := make([]any, 0, len(m.Processes))
	for _, p := range m.Processes {
		procs = append(procs, map[string]any{
			"name":     p.Name,
			"domain":   p.Domain,
			"priority": uint8(p.Priority),
			"program":  p.Program,
			"inbox":    p.Inbox,
			"parent":   p.Parent,
			"target":   p.Target,
			"class":    p.Class.String(),
			"count":    p.Count,
			"context":  uint64(p.Context),
		})
	}

	return map[string]any{
		"kernel": map[string]any{
			"capacity":         m.Kernel.Capacity,
			"priority_levels":  m.Kernel.PriorityLevels,
			"inbox":            m.Kernel.Inbox,
			"max_payload":      m.Kernel.MaxPayload,
			"exit_class":       m.Kernel.ExitClass.String(),
			"invariant_checks": m.Kernel.InvariantChecks,
			"quantum":          quantum,
		},
		"domains":   domains,
		"grants":    grants,
		"processes": procs,
	}
}
