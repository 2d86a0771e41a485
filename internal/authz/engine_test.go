package authz

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mirage/internal/domain"
	"github.com/roach88/mirage/internal/ir"
)

var (
	p1 = ir.ProcessID{Index: 0, Generation: 1}
	p2 = ir.ProcessID{Index: 1, Generation: 1}
)

type fixture struct {
	reg    *domain.Registry
	bind   *domain.Binder
	engine *Engine
	a, b   ir.DomainID
	audit  []ir.Decision
}

// newFixture binds p1 to domain A and p2 to domain B, both cleared for
// confidential traffic, with no grants.
func newFixture(t *testing.T, bOpts ...domain.DomainOption) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{reg: domain.NewRegistry(domain.WithLogger(logger))}
	var err error
	f.a, err = f.reg.CreateDomain("A", domain.WithClearance(ir.ClassConfidential))
	require.NoError(t, err)
	f.b, err = f.reg.CreateDomain("B", append([]domain.DomainOption{domain.WithClearance(ir.ClassConfidential)}, bOpts...)...)
	require.NoError(t, err)
	f.bind, err = f.reg.Binder()
	require.NoError(t, err)
	require.NoError(t, f.bind.Assign(p1, f.a))
	require.NoError(t, f.bind.Assign(p2, f.b))

	f.engine = New(f.reg,
		WithLogger(logger),
		WithAuditor(AuditorFunc(func(d ir.Decision) {
			f.audit = append(f.audit, d)
		})))
	return f
}

func (f *fixture) grantLow(t *testing.T) domain.Rule {
	t.Helper()
	rule := domain.Rule{Target: f.b, Class: ir.ClassPublic, Direction: domain.DirectionSend}
	require.NoError(t, f.reg.Grant(f.a, rule))
	return rule
}

func TestAuthorize_GrantedClassAllowed(t *testing.T) {
	f := newFixture(t)
	f.grantLow(t)

	d := f.engine.Authorize(p1, p2, ir.ClassPublic)
	assert.True(t, d.Allowed())
	assert.Equal(t, ir.DenyNone, d.Reason)
	assert.Equal(t, f.a, d.SenderDomain)
	assert.Equal(t, f.b, d.ReceiverDomain)

	d = f.engine.Authorize(p1, p2, ir.ClassConfidential)
	assert.False(t, d.Allowed())
	assert.Equal(t, ir.DenyNoGrant, d.Reason)
}

func TestAuthorize_RevokeTakesEffectImmediately(t *testing.T) {
	f := newFixture(t)
	rule := f.grantLow(t)

	require.True(t, f.engine.Authorize(p1, p2, ir.ClassPublic).Allowed())

	require.NoError(t, f.reg.Revoke(f.a, rule))
	d := f.engine.Authorize(p1, p2, ir.ClassPublic)
	assert.False(t, d.Allowed())
	assert.Equal(t, ir.DenyNoGrant, d.Reason)
}

func TestAuthorize_GrantIsDirectional(t *testing.T) {
	f := newFixture(t)
	f.grantLow(t)

	d := f.engine.Authorize(p2, p1, ir.ClassPublic)
	assert.Equal(t, ir.DenyNoGrant, d.Reason)
}

func TestAuthorize_UnknownProcesses(t *testing.T) {
	f := newFixture(t)
	stranger := ir.ProcessID{Index: 9, Generation: 1}

	assert.Equal(t, ir.DenyUnknownSender, f.engine.Authorize(stranger, p2, ir.ClassPublic).Reason)
	assert.Equal(t, ir.DenyUnknownReceiver, f.engine.Authorize(p1, stranger, ir.ClassPublic).Reason)
}

func TestAuthorize_Clearance(t *testing.T) {
	f := newFixture(t)
	low, err := f.reg.CreateDomain("low", domain.WithClearance(ir.ClassPublic))
	require.NoError(t, err)
	p3 := ir.ProcessID{Index: 2, Generation: 1}
	require.NoError(t, f.bind.Assign(p3, low))

	require.NoError(t, f.reg.Grant(f.a, domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}))
	require.NoError(t, f.reg.Grant(low, domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}))

	assert.Equal(t, ir.DenyReceiverClearance, f.engine.Authorize(p1, p3, ir.ClassInternal).Reason)
	assert.Equal(t, ir.DenySenderClearance, f.engine.Authorize(p3, p1, ir.ClassInternal).Reason)
	assert.Equal(t, ir.DenySenderClearance, f.engine.Authorize(p1, p2, ir.ClassSystem).Reason)
	assert.True(t, f.engine.Authorize(p1, p3, ir.ClassPublic).Allowed())
}

func TestAuthorize_WildcardClassIsNotAMessageClass(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Grant(f.a, domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}))

	assert.Equal(t, ir.DenyInvalidClass, f.engine.Authorize(p1, p2, ir.ClassAny).Reason)
}

func TestAuthorize_Quarantine(t *testing.T) {
	f := newFixture(t)
	f.grantLow(t)

	require.NoError(t, f.reg.Quarantine(f.b, true))
	assert.Equal(t, ir.DenyQuarantined, f.engine.Authorize(p1, p2, ir.ClassPublic).Reason)

	require.NoError(t, f.reg.Quarantine(f.b, false))
	require.NoError(t, f.reg.Quarantine(f.a, true))
	assert.Equal(t, ir.DenyQuarantined, f.engine.Authorize(p1, p2, ir.ClassPublic).Reason)

	require.NoError(t, f.reg.Quarantine(f.a, false))
	assert.True(t, f.engine.Authorize(p1, p2, ir.ClassPublic).Allowed())
}

func TestAuthorize_VMIsolation(t *testing.T) {
	f := newFixture(t)
	vm, err := f.reg.CreateDomain("vm",
		domain.WithClearance(ir.ClassConfidential),
		domain.WithIsolation(domain.IsolationVirtualMachine),
		domain.WithGrants(domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}))
	require.NoError(t, err)
	sandboxed, err := f.reg.CreateDomain("sandboxed",
		domain.WithClearance(ir.ClassConfidential),
		domain.WithIsolation(domain.IsolationProcess))
	require.NoError(t, err)

	p3 := ir.ProcessID{Index: 2, Generation: 1}
	p4 := ir.ProcessID{Index: 3, Generation: 1}
	require.NoError(t, f.bind.Assign(p3, vm))
	require.NoError(t, f.bind.Assign(p4, sandboxed))

	assert.Equal(t, ir.DenyIsolation, f.engine.Authorize(p3, p2, ir.ClassPublic).Reason)
	assert.True(t, f.engine.Authorize(p3, p4, ir.ClassPublic).Allowed())
}

func TestAuthorize_StrictInbound(t *testing.T) {
	f := newFixture(t, domain.WithStrictInbound())
	f.grantLow(t)

	assert.Equal(t, ir.DenyNoReceiveGrant, f.engine.Authorize(p1, p2, ir.ClassPublic).Reason)

	require.NoError(t, f.reg.Grant(f.b, domain.Rule{Target: f.a, Class: ir.ClassPublic, Direction: domain.DirectionReceive}))
	assert.True(t, f.engine.Authorize(p1, p2, ir.ClassPublic).Allowed())
}

func TestAuthorize_SystemTrafficNeedsEveryCategory(t *testing.T) {
	f := newFixture(t)
	anyRule := domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}
	full, err := f.reg.CreateDomain("full", domain.WithClearance(ir.ClassSystem), domain.WithGrants(anyRule))
	require.NoError(t, err)
	narrow, err := f.reg.CreateDomain("narrow",
		domain.WithClearance(ir.ClassSystem),
		domain.WithCategories(0b0011),
		domain.WithGrants(anyRule))
	require.NoError(t, err)

	p3 := ir.ProcessID{Index: 2, Generation: 1}
	p4 := ir.ProcessID{Index: 3, Generation: 1}
	p5 := ir.ProcessID{Index: 4, Generation: 1}
	require.NoError(t, f.bind.Assign(p3, full))
	require.NoError(t, f.bind.Assign(p4, narrow))
	other, err := f.reg.CreateDomain("full2", domain.WithClearance(ir.ClassSystem))
	require.NoError(t, err)
	require.NoError(t, f.bind.Assign(p5, other))

	assert.True(t, f.engine.Authorize(p3, p5, ir.ClassSystem).Allowed())
	assert.Equal(t, ir.DenySenderClearance, f.engine.Authorize(p4, p5, ir.ClassSystem).Reason)
	assert.Equal(t, ir.DenyReceiverClearance, f.engine.Authorize(p3, p4, ir.ClassSystem).Reason)
	assert.True(t, f.engine.Authorize(p4, p5, ir.ClassConfidential).Allowed(), "lower classes carry no categories")
}

func TestAuthorize_SenderNeedsIPCCapability(t *testing.T) {
	f := newFixture(t)
	mute, err := f.reg.CreateDomain("mute",
		domain.WithClearance(ir.ClassConfidential),
		domain.WithCapabilities(domain.CapSpawn),
		domain.WithGrants(domain.Rule{Target: ir.AnyDomain, Class: ir.ClassAny, Direction: domain.DirectionSend}))
	require.NoError(t, err)
	p3 := ir.ProcessID{Index: 2, Generation: 1}
	require.NoError(t, f.bind.Assign(p3, mute))
	require.NoError(t, f.reg.Grant(f.a, domain.Rule{Target: mute, Class: ir.ClassAny, Direction: domain.DirectionSend}))

	d := f.engine.Authorize(p3, p2, ir.ClassPublic)
	assert.Equal(t, ir.DenyNoIPC, d.Reason)
	assert.Equal(t, "no_ipc_capability", d.Reason.String())

	assert.True(t, f.engine.Authorize(p1, p3, ir.ClassPublic).Allowed(), "receiving needs no capability")

	d = f.engine.Authorize(p3, p2, ir.ClassAny)
	assert.Equal(t, ir.DenyInvalidClass, d.Reason, "class is checked before capabilities")
}

func TestAuthorizeSpawn(t *testing.T) {
	f := newFixture(t)
	noSpawn, err := f.reg.CreateDomain("nospawn", domain.WithCapabilities(domain.CapIPC))
	require.NoError(t, err)
	p3 := ir.ProcessID{Index: 2, Generation: 1}
	require.NoError(t, f.bind.Assign(p3, noSpawn))

	assert.NoError(t, f.engine.AuthorizeSpawn(p1))

	err = f.engine.AuthorizeSpawn(p3)
	require.Error(t, err)
	assert.True(t, ir.IsNotAuthorized(err))
	var ke *ir.Error
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, ir.DenyNoSpawn, ke.Reason)
	assert.Equal(t, noSpawn, ke.Domain)

	require.NoError(t, f.reg.Quarantine(f.a, true))
	err = f.engine.AuthorizeSpawn(p1)
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, ir.DenyQuarantined, ke.Reason)

	err = f.engine.AuthorizeSpawn(ir.ProcessID{Index: 9, Generation: 1})
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, ir.DenyUnknownSender, ke.Reason)

	assert.Empty(t, f.audit, "spawn checks are not message decisions")
}

func TestAuthorize_AuditAndStats(t *testing.T) {
	f := newFixture(t)
	f.grantLow(t)

	f.engine.Authorize(p1, p2, ir.ClassPublic)
	f.engine.Authorize(p1, p2, ir.ClassConfidential)
	f.engine.Authorize(p2, p1, ir.ClassPublic)

	require.Len(t, f.audit, 3)
	assert.Equal(t, ir.VerdictAllow, f.audit[0].Verdict)
	assert.Equal(t, ir.VerdictDeny, f.audit[1].Verdict)
	assert.Equal(t, Stats{Allowed: 1, Denied: 2}, f.engine.Stats())
}
