package boot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/mirage/internal/authz"
	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/kernel"
	"github.com/roach88/mirage/internal/manifest"
	"github.com/roach88/mirage/internal/telemetry"
)

// Machine is a booted manifest: registry, authorization engine, kernel and
// the programs of the live processes.
type Machine struct {
	Manifest *manifest.Manifest
	Registry *domain.Registry
	Authz    *authz.Engine
	Kernel   *kernel.Kernel

	logger *slog.Logger
	tracer *telemetry.Tracer

	catalog  Catalog
	domains  map[string]ir.DomainID
	pids     map[string]ir.ProcessID
	names    map[ir.ProcessID]string
	programs map[ir.ProcessID]*process
}

type process struct {
	program Program
	sys     *Syscalls
}

type options struct {
	logger   *slog.Logger
	tracer   *telemetry.Tracer
	catalog  Catalog
	observer []kernel.Observer
	auditors []authz.Auditor
	switcher kernel.ContextSwitcher
	onHalt   kernel.HaltHandler
	clock    *kernel.Clock

	// wrapBinder intercepts the registry binder before the kernel sees it.
	wrapBinder func(kernel.DomainBinder) kernel.DomainBinder
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger for every component. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracer traces Run. Defaults to a no-op tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithCatalog replaces the program catalog. Defaults to DefaultCatalog().
func WithCatalog(c Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// WithObserver adds a kernel event observer. May be repeated.
func WithObserver(obs kernel.Observer) Option {
	return func(o *options) {
		o.observer = append(o.observer, obs)
	}
}

// WithAuditor adds an authorization auditor. May be repeated.
func WithAuditor(a authz.Auditor) Option {
	return func(o *options) {
		o.auditors = append(o.auditors, a)
	}
}

// WithContextSwitcher installs the context switch primitive.
func WithContextSwitcher(s kernel.ContextSwitcher) Option {
	return func(o *options) {
		o.switcher = s
	}
}

// WithHaltHandler is called once if the kernel halts.
func WithHaltHandler(h kernel.HaltHandler) Option {
	return func(o *options) {
		o.onHalt = h
	}
}

// WithClock shares a logical clock with the kernel.
func WithClock(c *kernel.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// auditors fans a decision out to several auditors in order.
type auditors []authz.Auditor

func (as auditors) Audit(d ir.Decision) {
	for _, a := range as {
		a.Audit(d)
	}
}

// New boots m. The manifest must pass manifest.Validate.
func New(m *manifest.Manifest, opts ...Option) (*Machine, error) {
	o := options{
		logger:  slog.Default(),
		catalog: DefaultCatalog(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = telemetry.Noop()
	}

	if errs := manifest.Validate(m); len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, fmt.Errorf("invalid manifest: %w", errors.Join(joined...))
	}

	mach := &Machine{
		Manifest: m,
		logger:   o.logger,
		tracer:   o.tracer,
		catalog:  o.catalog,
		domains:  make(map[string]ir.DomainID, len(m.Domains)),
		pids:     make(map[string]ir.ProcessID, len(m.Processes)),
		names:    make(map[ir.ProcessID]string, len(m.Processes)),
		programs: make(map[ir.ProcessID]*process, len(m.Processes)),
	}

	maxDomains := domain.DefaultMaxDomains
	if len(m.Domains) > maxDomains {
		maxDomains = len(m.Domains)
	}
	mach.Registry = domain.NewRegistry(
		domain.WithMaxDomains(maxDomains),
		domain.WithLogger(o.logger),
	)
	if err := mach.createDomains(); err != nil {
		return nil, err
	}

	engineOpts := []authz.Option{authz.WithLogger(o.logger)}
	if len(o.auditors) > 0 {
		engineOpts = append(engineOpts, authz.WithAuditor(auditors(o.auditors)))
	}
	mach.Authz = authz.New(mach.Registry, engineOpts...)

	binder, err := mach.Registry.Binder()
	if err != nil {
		return nil, err
	}
	var kb kernel.DomainBinder = binder
	if o.wrapBinder != nil {
		kb = o.wrapBinder(kb)
	}
	k, err := kernel.New(mach.Authz, kb, kernelOptions(m.Kernel, o)...)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	mach.Kernel = k

	if err := mach.spawnAll(); err != nil {
		return nil, err
	}

	o.logger.Info("machine booted",
		"manifest", m.Hash,
		"domains", len(m.Domains),
		"processes", len(m.Processes))
	return mach, nil
}

func kernelOptions(kc manifest.KernelConfig, o options) []kernel.Option {
	opts := []kernel.Option{
		kernel.WithCapacity(kc.Capacity),
		kernel.WithPriorityLevels(kc.PriorityLevels),
		kernel.WithDefaultInbox(kc.Inbox),
		kernel.WithMaxPayload(kc.MaxPayload),
		kernel.WithExitNoticeClass(kc.ExitClass),
		kernel.WithInvariantChecks(kc.InvariantChecks),
		kernel.WithLogger(o.logger),
	}
	for level, ticks := range kc.Quantum {
		opts = append(opts, kernel.WithQuantum(level, ticks))
	}
	for _, obs := range o.observer {
		opts = append(opts, kernel.WithObserver(obs))
	}
	if o.switcher != nil {
		opts = append(opts, kernel.WithContextSwitcher(o.switcher))
	}
	if o.onHalt != nil {
		opts = append(opts, kernel.WithHaltHandler(o.onHalt))
	}
	if o.clock != nil {
		opts = append(opts, kernel.WithClock(o.clock))
	}
	return opts
}

func (m *Machine) createDomains() error {
	for _, d := range m.Manifest.Domains {
		if _, err := m.CreateDomain(d); err != nil {
			return fmt.Errorf("domain %q: %w", d.Name, err)
		}
	}

	for i, g := range m.Manifest.Grants {
		target := ir.AnyDomain
		if g.To != manifest.AnyTarget {
			target = m.domains[g.To]
		}
		rule := domain.Rule{Target: target, Class: g.Class, Direction: g.Direction}
		if err := m.Registry.Grant(m.domains[g.From], rule); err != nil {
			return fmt.Errorf("grants[%d]: %w", i, err)
		}
	}
	return nil
}

func (m *Machine) spawnAll() error {
	for _, spec := range m.Manifest.Processes {
		if _, err := m.Spawn(spec); err != nil {
			return err
		}
	}
	return nil
}

// Spawn starts a process after boot. spec.Domain and spec.Parent name
// manifest domains and earlier processes. An empty spec.Program spawns a
// process with no program, which yields whenever it is dispatched.
func (m *Machine) Spawn(spec manifest.ProcessSpec) (ir.ProcessID, error) {
	if _, dup := m.pids[spec.Name]; dup {
		return ir.NoProcess, fmt.Errorf("process %q: name already in use", spec.Name)
	}

	var factory Factory
	if spec.Program != "" {
		var ok bool
		if factory, ok = m.catalog[spec.Program]; !ok {
			return ir.NoProcess, fmt.Errorf("process %q: unknown program %q", spec.Name, spec.Program)
		}
	}
	dom, ok := m.domains[spec.Domain]
	if !ok {
		return ir.NoProcess, fmt.Errorf("process %q: unknown domain %q", spec.Name, spec.Domain)
	}

	opts := []kernel.SpawnOption{kernel.WithContext(spec.Context)}
	if spec.Inbox > 0 {
		opts = append(opts, kernel.WithInboxCapacity(spec.Inbox))
	}
	if spec.Parent != "" {
		parent, ok := m.pids[spec.Parent]
		if !ok {
			return ir.NoProcess, fmt.Errorf("process %q: unknown parent %q", spec.Name, spec.Parent)
		}
		opts = append(opts, kernel.WithParent(parent))
	}

	pid, err := m.Kernel.Spawn(spec.Priority, dom, opts...)
	if err != nil {
		return ir.NoProcess, fmt.Errorf("spawn %q: %w", spec.Name, err)
	}
	m.pids[spec.Name] = pid
	m.names[pid] = spec.Name
	if factory != nil {
		m.programs[pid] = &process{
			program: factory(spec),
			sys:     &Syscalls{m: m, pid: pid, spec: spec},
		}
	}
	return pid, nil
}

// CreateDomain registers a domain after boot. Processes spawned later may
// name it. spec is used as given: a zero Capabilities field is a domain
// with no capabilities.
func (m *Machine) CreateDomain(spec manifest.DomainSpec) (ir.DomainID, error) {
	opts := []domain.DomainOption{
		domain.WithClearance(spec.Clearance),
		domain.WithCategories(spec.Categories),
		domain.WithCapabilities(spec.Capabilities),
		domain.WithIsolation(spec.Isolation),
	}
	if spec.StrictInbound {
		opts = append(opts, domain.WithStrictInbound())
	}
	id, err := m.Registry.CreateDomain(spec.Name, opts...)
	if err != nil {
		return ir.NoDomain, err
	}
	m.domains[spec.Name] = id
	return id, nil
}

// PID returns the process spawned for the manifest process name.
func (m *Machine) PID(name string) (ir.ProcessID, bool) {
	pid, ok := m.pids[name]
	return pid, ok
}

// Name returns the manifest name of pid.
func (m *Machine) Name(pid ir.ProcessID) string {
	if name, ok := m.names[pid]; ok {
		return name
	}
	return pid.String()
}

// DomainID returns the registry ID of the manifest domain name.
func (m *Machine) DomainID(name string) (ir.DomainID, bool) {
	id, ok := m.domains[name]
	return id, ok
}

// Program returns the program running as pid, if it is live.
func (m *Machine) Program(pid ir.ProcessID) (Program, bool) {
	p, ok := m.programs[pid]
	if !ok {
		return nil, false
	}
	return p.program, true
}

// Terminate ends pid and drops its program.
func (m *Machine) Terminate(pid ir.ProcessID) error {
	if err := m.Kernel.Terminate(pid); err != nil {
		return err
	}
	delete(m.programs, pid)
	m.logger.Debug("process exited", "pid", pid, "name", m.Name(pid))
	return nil
}
