package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return scenario
}

func TestRun_Scenarios(t *testing.T) {
	for _, name := range []string{
		"priority_dispatch",
		"authorized_delivery",
		"blocked_receiver_wakes",
		"revoke_denies",
		"priority_preemption",
		"pingpong_run",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestdata(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Equal(t, "test-run-default", result.RunID)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario := loadTestdata(t, "pingpong_run")

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_StepExpectationFailures(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir)

	scenario := &Scenario{
		Name:        "wrong_expectations",
		Description: "every step diverges from its expect clause",
		Manifest:    manifest,
		Steps: []Step{
			{Op: OpSpawn, Name: "p1", Domain: "A"},
			{Op: OpSpawn, Name: "p2", Domain: "B"},
			// Allowed, but the scenario expects a denial.
			{Op: OpSend, From: "p1", To: "p2", Expect: &Expect{Error: "NOT_AUTHORIZED"}},
			// Denied, but the scenario expects success.
			{Op: OpSend, From: "p2", To: "p1"},
			{Op: OpSchedule, Expect: &Expect{Process: "p2"}},
			{Op: OpWake, Process: "ghost"},
		},
		Assertions: []Assertion{
			{Type: AssertTraceContains, Kind: "halt"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "steps[2] (send): succeeded, want error NOT_AUTHORIZED")
	assert.Contains(t, result.Errors[1], "steps[3] (send): unexpected error")
	assert.Contains(t, result.Errors[2], "steps[4] (schedule): dispatched p1, want p2")
	assert.Contains(t, result.Errors[3], `steps[5] (wake): unknown process "ghost"`)
	assert.Contains(t, result.Errors[4], "Assertion failed: trace_contains")
}

func TestRun_ErrorCodeMismatch(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir)

	scenario := &Scenario{
		Name:        "code_mismatch",
		Description: "a blocked process cannot yield",
		Manifest:    manifest,
		Steps: []Step{
			{Op: OpSpawn, Name: "p1", Domain: "A"},
			{Op: OpBlock, Process: "p1"},
			{Op: OpYield, Process: "p1", Expect: &Expect{Error: "QUEUE_FULL"}},
			{Op: OpYield, Process: "p1", Expect: &Expect{Error: "INVALID_TRANSITION"}},
		},
		Assertions: []Assertion{
			{Type: AssertProcessState, Process: "p1", State: "blocked"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "error code INVALID_TRANSITION, want QUEUE_FULL")
}

func TestRun_DomainLifecycle(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir)
	off := false

	scenario := &Scenario{
		Name:        "domain_lifecycle",
		Description: "domains created, quarantined and removed at runtime",
		Manifest:    manifest,
		Steps: []Step{
			{Op: OpCreateDomain, Domain: "C", Clearance: "internal", Isolation: "process"},
			{Op: OpCreateDomain, Domain: "C", Expect: &Expect{Error: "DOMAIN_EXISTS"}},
			{Op: OpGrant, Domain: "C", Target: "*", Class: "internal"},
			{Op: OpSpawn, Name: "c1", Domain: "C"},
			{Op: OpSpawn, Name: "b1", Domain: "B"},
			// B is only cleared for public.
			{Op: OpSend, From: "c1", To: "b1", Class: "internal",
				Expect: &Expect{Error: "NOT_AUTHORIZED", Reason: "receiver_clearance"}},
			{Op: OpSend, From: "c1", To: "b1", Class: "public",
				Expect: &Expect{Error: "NOT_AUTHORIZED", Reason: "no_grant"}},
			{Op: OpQuarantine, Domain: "B"},
			{Op: OpSend, From: "c1", To: "b1", Class: "public",
				Expect: &Expect{Error: "NOT_AUTHORIZED", Reason: "quarantined"}},
			{Op: OpQuarantine, Domain: "B", On: &off},
			{Op: OpRemoveDomain, Domain: "C", Expect: &Expect{Error: "DOMAIN_IN_USE"}},
			{Op: OpTerminate, Process: "c1"},
			{Op: OpRemoveDomain, Domain: "C"},
			{Op: OpVerify},
		},
		Assertions: []Assertion{
			{Type: AssertTraceCount, Kind: "deny", Count: intPtr(3)},
			{Type: AssertProcessState, Process: "c1", State: "terminated"},
			{Type: AssertStats, Expect: map[string]int{"live": 1, "denied": 3}},
			{Type: AssertAuditCount, Table: "decisions", Where: map[string]any{"reason": "quarantined"}, Count: intPtr(1)},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_BadManifest(t *testing.T) {
	scenario := &Scenario{
		Name:     "bad",
		Manifest: filepath.Join(t.TempDir(), "missing.cue"),
	}
	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load manifest")
}

func intPtr(n int) *int {
	return &n
}
