package domain

import (
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/mirage/internal/ir"
)

// Registry limits.
const (
	DefaultMaxDomains         = 32
	DefaultMaxGrantsPerDomain = 32
)

type entry struct {
	profile   Profile
	name      string
	grants    []Rule
	processes int
}

// Registry owns every domain, its grants, and the process to domain binding.
//
// Thread-safety: all methods are safe for concurrent use. Reads take a shared
// lock so the authorization path never contends with other readers.
type Registry struct {
	mu       sync.RWMutex
	domains  map[ir.DomainID]*entry
	byName   map[string]ir.DomainID
	bindings map[ir.ProcessID]ir.DomainID
	lastGen  map[uint32]uint32 // highest generation ever bound per slot index
	nextID   ir.DomainID

	binderClaimed bool

	maxDomains int
	maxGrants  int
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxDomains caps the number of live domains.
func WithMaxDomains(n int) Option {
	return func(r *Registry) {
		r.maxDomains = n
	}
}

// WithMaxGrants caps the number of grants a single domain may hold.
func WithMaxGrants(n int) Option {
	return func(r *Registry) {
		r.maxGrants = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		domains:    make(map[ir.DomainID]*entry),
		byName:     make(map[string]ir.DomainID),
		bindings:   make(map[ir.ProcessID]ir.DomainID),
		lastGen:    make(map[uint32]uint32),
		maxDomains: DefaultMaxDomains,
		maxGrants:  DefaultMaxGrantsPerDomain,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DomainOption configures a domain at creation.
type DomainOption func(*domainConfig)

type domainConfig struct {
	clearance     ir.SecurityClass
	categories    *uint32
	capabilities  Capability
	isolation     Isolation
	strictInbound bool
	grants        []Rule
}

// WithClearance sets the highest class the domain may send or receive.
// Defaults to ir.ClassPublic.
func WithClearance(c ir.SecurityClass) DomainOption {
	return func(cfg *domainConfig) {
		cfg.clearance = c
	}
}

// WithCategories sets the domain's category mask. Defaults to
// ir.AllCategories for a system clearance and to none otherwise.
func WithCategories(mask uint32) DomainOption {
	return func(cfg *domainConfig) {
		cfg.categories = &mask
	}
}

// WithCapabilities replaces the domain's capability set. Defaults to
// CapDefault.
func WithCapabilities(c Capability) DomainOption {
	return func(cfg *domainConfig) {
		cfg.capabilities = c
	}
}

// WithIsolation sets the isolation level. Defaults to IsolationNone.
func WithIsolation(i Isolation) DomainOption {
	return func(cfg *domainConfig) {
		cfg.isolation = i
	}
}

// WithStrictInbound requires a matching Receive grant in this domain for
// every inbound message.
func WithStrictInbound() DomainOption {
	return func(cfg *domainConfig) {
		cfg.strictInbound = true
	}
}

// WithGrants installs initial grants. A rule may target the domain being
// created.
func WithGrants(rules ...Rule) DomainOption {
	return func(cfg *domainConfig) {
		cfg.grants = append(cfg.grants, rules...)
	}
}

// normalizeName trims and NFC-normalizes a domain name so visually identical
// names collide.
func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// CreateDomain registers a new domain and returns its ID. IDs are never
// reused.
func (r *Registry) CreateDomain(name string, opts ...DomainOption) (ir.DomainID, error) {
	cfg := domainConfig{clearance: ir.ClassPublic, capabilities: CapDefault, isolation: IsolationNone}
	for _, opt := range opts {
		opt(&cfg)
	}

	name = normalizeName(name)
	if name == "" {
		return ir.NoDomain, ir.NewError(ir.CodeInvalidDomain, "create_domain", "domain name is empty")
	}
	if !cfg.clearance.Valid() {
		return ir.NoDomain, ir.NewError(ir.CodeInvalidDomain, "create_domain",
			"domain %q: clearance %s is not a message class", name, cfg.clearance)
	}
	if cfg.capabilities&^CapDefault != 0 {
		return ir.NoDomain, ir.NewError(ir.CodeInvalidDomain, "create_domain",
			"domain %q: unknown capability %s", name, cfg.capabilities)
	}
	if cfg.isolation > IsolationVirtualMachine {
		return ir.NoDomain, ir.NewError(ir.CodeInvalidDomain, "create_domain",
			"domain %q: %s", name, cfg.isolation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return ir.NoDomain, ir.NewError(ir.CodeDomainExists, "create_domain", "domain %q already exists", name)
	}
	if len(r.domains) >= r.maxDomains {
		return ir.NoDomain, ir.NewError(ir.CodeDomainsFull, "create_domain",
			"registry holds %d domains", r.maxDomains)
	}
	if r.nextID+1 == ir.AnyDomain {
		return ir.NoDomain, ir.NewError(ir.CodeDomainsFull, "create_domain", "domain ids exhausted")
	}

	id := r.nextID + 1
	categories := cfg.clearance.Categories()
	if cfg.categories != nil {
		categories = *cfg.categories
	}

	var grants []Rule
	for _, rule := range cfg.grants {
		if err := r.validateRuleLocked(id, rule); err != nil {
			err.Op = "create_domain"
			return ir.NoDomain, err
		}
		if !slices.Contains(grants, rule) {
			grants = append(grants, rule)
		}
	}
	if len(grants) > r.maxGrants {
		return ir.NoDomain, ir.NewError(ir.CodeGrantsFull, "create_domain",
			"domain %q: %d grants exceeds limit %d", name, len(grants), r.maxGrants)
	}

	r.nextID = id
	r.domains[id] = &entry{
		profile: Profile{
			ID:            id,
			Clearance:     cfg.clearance,
			Categories:    categories,
			Capabilities:  cfg.capabilities,
			Isolation:     cfg.isolation,
			StrictInbound: cfg.strictInbound,
		},
		name:   name,
		grants: grants,
	}
	r.byName[name] = id

	r.logger.Debug("domain created",
		"domain", id,
		"name", name,
		"clearance", cfg.clearance,
		"categories", categories,
		"capabilities", cfg.capabilities,
		"isolation", cfg.isolation,
		"grants", len(grants))
	return id, nil
}

// validateRuleLocked checks a rule for subject. self is accepted as a target
// even before it is registered. Caller must hold r.mu.
func (r *Registry) validateRuleLocked(self ir.DomainID, rule Rule) *ir.Error {
	if rule.Direction == 0 || rule.Direction > DirectionBoth {
		return &ir.Error{Code: ir.CodeInvalidGrant, Message: "grant has no direction", Domain: self}
	}
	if rule.Class != ir.ClassAny && !rule.Class.Valid() {
		return &ir.Error{Code: ir.CodeInvalidGrant, Message: "grant class " + rule.Class.String() + " is not a message class", Domain: self}
	}
	if rule.Target == ir.NoDomain {
		return &ir.Error{Code: ir.CodeInvalidGrant, Message: "grant has no target", Domain: self}
	}
	if rule.Target != ir.AnyDomain && rule.Target != self {
		if _, ok := r.domains[rule.Target]; !ok {
			return &ir.Error{Code: ir.CodeUnknownDomain, Message: "grant target " + rule.Target.String() + " does not exist", Domain: self}
		}
	}
	return nil
}

// RemoveDomain deletes a domain and every grant that targets it.
// Fails with DOMAIN_IN_USE while any live process is bound to it.
func (r *Registry) RemoveDomain(id ir.DomainID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.domains[id]
	if !ok {
		return &ir.Error{Code: ir.CodeUnknownDomain, Op: "remove_domain", Domain: id}
	}
	if e.processes > 0 {
		return &ir.Error{
			Code:    ir.CodeDomainInUse,
			Op:      "remove_domain",
			Message: "live processes are bound to the domain",
			Domain:  id,
		}
	}

	delete(r.domains, id)
	delete(r.byName, e.name)
	for _, other := range r.domains {
		other.grants = slices.DeleteFunc(other.grants, func(g Rule) bool {
			return g.Target == id
		})
	}

	r.logger.Debug("domain removed", "domain", id, "name", e.name)
	return nil
}

// Binder hands out the registry's binding handle. The first caller, the
// kernel that spawns and tears down processes, owns it; later calls fail
// with ALREADY_ASSIGNED so no other holder of the registry can rebind or
// unbind a live process.
func (r *Registry) Binder() (*Binder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.binderClaimed {
		return nil, ir.NewError(ir.CodeAlreadyAssigned, "binder", "registry binder is already owned")
	}
	r.binderClaimed = true
	return &Binder{r: r}, nil
}

// Binder records which domain each process belongs to. Assign is called once
// at spawn and Release once at teardown.
type Binder struct {
	r *Registry
}

// Assign binds pid to domain. A process ID is bound at most once over the
// registry's lifetime: a released ID, or an older generation of a slot that
// has since been reused, is refused with ALREADY_ASSIGNED.
func (b *Binder) Assign(pid ir.ProcessID, id ir.DomainID) error {
	if !pid.Valid() {
		return &ir.Error{Code: ir.CodeUnknownProcess, Op: "assign", Domain: id}
	}
	r := b.r

	r.mu.Lock()
	defer r.mu.Unlock()

	if bound, ok := r.bindings[pid]; ok {
		return &ir.Error{
			Code:    ir.CodeAlreadyAssigned,
			Op:      "assign",
			Message: "process is bound to " + bound.String(),
			PID:     pid,
			Domain:  id,
		}
	}
	if last, ok := r.lastGen[pid.Index]; ok && pid.Generation <= last {
		return &ir.Error{
			Code:    ir.CodeAlreadyAssigned,
			Op:      "assign",
			Message: "process id was bound before",
			PID:     pid,
			Domain:  id,
		}
	}
	e, ok := r.domains[id]
	if !ok {
		return &ir.Error{Code: ir.CodeUnknownDomain, Op: "assign", PID: pid, Domain: id}
	}

	r.bindings[pid] = id
	r.lastGen[pid.Index] = pid.Generation
	e.processes++
	return nil
}

// Release drops pid's binding and the domain's process count.
func (b *Binder) Release(pid ir.ProcessID) error {
	r := b.r

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bindings[pid]
	if !ok {
		return &ir.Error{Code: ir.CodeUnknownProcess, Op: "release", Message: "process is not bound", PID: pid}
	}
	delete(r.bindings, pid)
	if e, ok := r.domains[id]; ok {
		e.processes--
	}
	return nil
}

// Lookup returns the domain pid is bound to.
func (r *Registry) Lookup(pid ir.ProcessID) (ir.DomainID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.bindings[pid]
	if !ok {
		return ir.NoDomain, &ir.Error{Code: ir.CodeUnknownProcess, Op: "lookup", Message: "process is not bound", PID: pid}
	}
	return id, nil
}

// Exists reports whether id names a live domain.
func (r *Registry) Exists(id ir.DomainID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.domains[id]
	return ok
}

// Profile returns the security posture of a domain.
func (r *Registry) Profile(id ir.DomainID) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.domains[id]
	if !ok {
		return Profile{}, &ir.Error{Code: ir.CodeUnknownDomain, Op: "profile", Domain: id}
	}
	return e.profile, nil
}

// Permits reports whether subject holds a grant covering class towards peer
// in direction dir.
func (r *Registry) Permits(subject, peer ir.DomainID, class ir.SecurityClass, dir Direction) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.domains[subject]
	if !ok {
		return false
	}
	for _, g := range e.grants {
		if g.Matches(peer, class, dir) {
			return true
		}
	}
	return false
}

// Grant adds rule to subject. Granting an existing rule is a no-op.
func (r *Registry) Grant(subject ir.DomainID, rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.domains[subject]
	if !ok {
		return &ir.Error{Code: ir.CodeUnknownDomain, Op: "grant", Domain: subject}
	}
	if err := r.validateRuleLocked(subject, rule); err != nil {
		err.Op = "grant"
		return err
	}
	if slices.Contains(e.grants, rule) {
		return nil
	}
	if len(e.grants) >= r.maxGrants {
		return &ir.Error{
			Code:    ir.CodeGrantsFull,
			Op:      "grant",
			Message: "domain holds the maximum number of grants",
			Domain:  subject,
		}
	}

	e.grants = append(e.grants, rule)
	r.logger.Debug("grant added", "domain", subject, "rule", rule)
	return nil
}

// Revoke removes rule from subject. The next send observes the change.
func (r *Registry) Revoke(subject ir.DomainID, rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.domains[subject]
	if !ok {
		return &ir.Error{Code: ir.CodeUnknownDomain, Op: "revoke", Domain: subject}
	}
	i := slices.Index(e.grants, rule)
	if i < 0 {
		return &ir.Error{
			Code:    ir.CodeGrantNotFound,
			Op:      "revoke",
			Message: "no grant " + rule.String(),
			Domain:  subject,
		}
	}

	e.grants = slices.Delete(e.grants, i, i+1)
	r.logger.Debug("grant revoked", "domain", subject, "rule", rule)
	return nil
}

// Quarantine cuts a domain off from all messaging while on is true.
func (r *Registry) Quarantine(id ir.DomainID, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.domains[id]
	if !ok {
		return &ir.Error{Code: ir.CodeUnknownDomain, Op: "quarantine", Domain: id}
	}
	if e.profile.Quarantined != on {
		e.profile.Quarantined = on
		r.logger.Info("domain quarantine changed", "domain", id, "name", e.name, "quarantined", on)
	}
	return nil
}

// Domain returns a copy of the domain's full state.
func (r *Registry) Domain(id ir.DomainID) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.domains[id]
	if !ok {
		return Info{}, &ir.Error{Code: ir.CodeUnknownDomain, Op: "domain", Domain: id}
	}
	return e.info(), nil
}

// DomainByName resolves a domain by its normalized name.
func (r *Registry) DomainByName(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[normalizeName(name)]
	if !ok {
		return Info{}, ir.NewError(ir.CodeUnknownDomain, "domain", "no domain named %q", name)
	}
	return r.domains[id].info(), nil
}

// Domains returns every live domain ordered by ID.
func (r *Registry) Domains() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.domains))
	for _, e := range r.domains {
		out = append(out, e.info())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// Grants returns a copy of the domain's grants in the order they were added.
func (r *Registry) Grants(id ir.DomainID) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.domains[id]
	if !ok {
		return nil, &ir.Error{Code: ir.CodeUnknownDomain, Op: "grants", Domain: id}
	}
	return slices.Clone(e.grants), nil
}

// Bound returns the number of processes currently bound to any domain.
func (r *Registry) Bound() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (e *entry) info() Info {
	return Info{
		Profile:   e.profile,
		Name:      e.name,
		Processes: e.processes,
		Grants:    slices.Clone(e.grants),
	}
}
