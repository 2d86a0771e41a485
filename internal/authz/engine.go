package authz

import (
	"log/slog"
	"sync/atomic"

	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
)

// Resolver is the read side of the domain registry.
type Resolver interface {
	Lookup(pid ir.ProcessID) (ir.DomainID, error)
	Profile(id ir.DomainID) (domain.Profile, error)
	Permits(subject, peer ir.DomainID, class ir.SecurityClass, dir domain.Direction) bool
}

// Auditor receives every decision, allow or deny, in the order they are made.
type Auditor interface {
	Audit(d ir.Decision)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(d ir.Decision)

// Audit calls f(d).
func (f AuditorFunc) Audit(d ir.Decision) {
	f(d)
}

// Stats are running decision totals.
type Stats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
}

// Engine evaluates authorization rules against a Resolver.
//
// Thread-safety: Authorize is safe for concurrent use as long as the Resolver
// and Auditor are.
type Engine struct {
	resolver Resolver
	auditor  Auditor
	logger   *slog.Logger

	allowed atomic.Uint64
	denied  atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditor attaches an auditor.
func WithAuditor(a Auditor) Option {
	return func(e *Engine) {
		e.auditor = a
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine reading domain state from r.
func New(r Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides whether sender may deliver a message of class to
// receiver.
func (e *Engine) Authorize(sender, receiver ir.ProcessID, class ir.SecurityClass) ir.Decision {
	d := e.evaluate(sender, receiver, class)

	if d.Allowed() {
		e.allowed.Add(1)
	} else {
		e.denied.Add(1)
		e.logger.Debug("message denied",
			"sender", sender,
			"receiver", receiver,
			"class", class,
			"reason", d.Reason)
	}
	if e.auditor != nil {
		e.auditor.Audit(d)
	}
	return d
}

func (e *Engine) evaluate(sender, receiver ir.ProcessID, class ir.SecurityClass) ir.Decision {
	d := ir.Decision{
		Verdict:  ir.VerdictDeny,
		Sender:   sender,
		Receiver: receiver,
		Class:    class,
	}

	sdom, err := e.resolver.Lookup(sender)
	if err != nil {
		d.Reason = ir.DenyUnknownSender
		return d
	}
	d.SenderDomain = sdom
	sp, err := e.resolver.Profile(sdom)
	if err != nil {
		d.Reason = ir.DenyUnknownSender
		return d
	}

	rdom, err := e.resolver.Lookup(receiver)
	if err != nil {
		d.Reason = ir.DenyUnknownReceiver
		return d
	}
	d.ReceiverDomain = rdom
	rp, err := e.resolver.Profile(rdom)
	if err != nil {
		d.Reason = ir.DenyUnknownReceiver
		return d
	}

	switch {
	case sp.Quarantined || rp.Quarantined:
		d.Reason = ir.DenyQuarantined
	case !class.Valid():
		d.Reason = ir.DenyInvalidClass
	case !sp.Capabilities.Has(domain.CapIPC):
		d.Reason = ir.DenyNoIPC
	case !sp.Dominates(class):
		d.Reason = ir.DenySenderClearance
	case !rp.Dominates(class):
		d.Reason = ir.DenyReceiverClearance
	case sp.Isolation == domain.IsolationVirtualMachine && rp.Isolation == domain.IsolationNone:
		d.Reason = ir.DenyIsolation
	case !e.resolver.Permits(sdom, rdom, class, domain.DirectionSend):
		d.Reason = ir.DenyNoGrant
	case rp.StrictInbound && !e.resolver.Permits(rdom, sdom, class, domain.DirectionReceive):
		d.Reason = ir.DenyNoReceiveGrant
	default:
		d.Verdict = ir.VerdictAllow
	}
	return d
}

// AuthorizeSpawn decides whether parent may start a child process. The
// parent's domain must hold CapSpawn and must not be quarantined. Spawn
// checks are not message decisions: they are logged, not audited.
func (e *Engine) AuthorizeSpawn(parent ir.ProcessID) error {
	reason := ir.DenyNone
	var dom ir.DomainID
	if id, err := e.resolver.Lookup(parent); err != nil {
		reason = ir.DenyUnknownSender
	} else if p, err := e.resolver.Profile(id); err != nil {
		reason = ir.DenyUnknownSender
	} else {
		dom = id
		switch {
		case p.Quarantined:
			reason = ir.DenyQuarantined
		case !p.Capabilities.Has(domain.CapSpawn):
			reason = ir.DenyNoSpawn
		}
	}
	if reason == ir.DenyNone {
		return nil
	}

	e.logger.Debug("spawn denied", "parent", parent, "domain", dom, "reason", reason)
	return &ir.Error{
		Code:    ir.CodeNotAuthorized,
		Op:      "spawn",
		Message: parent.String() + " may not spawn",
		PID:     parent,
		Domain:  dom,
		Reason:  reason,
	}
}

// Stats returns the decision totals so far.
func (e *Engine) Stats() Stats {
	return Stats{
		Allowed: e.allowed.Load(),
		Denied:  e.denied.Load(),
	}
}
