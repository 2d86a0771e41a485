package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Manifest is the CUE boot manifest, relative to the scenario file.
	Manifest string `yaml:"manifest"`

	// Steps run in order after boot.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`

	// RunID is an optional fixed run ID for deterministic audit records.
	// Defaults to testutil.DefaultRunID.
	RunID string `yaml:"run_id,omitempty"`
}

// Step is one operation against the booted machine. Which fields apply
// depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// Name is the alias given to a spawned process.
	Name string `yaml:"name,omitempty"`

	// Process is the process acted on by block, wake, yield, terminate,
	// receive and dequeue.
	Process string `yaml:"process,omitempty"`

	// From and To are the ends of a send.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	Priority string `yaml:"priority,omitempty"`
	Domain   string `yaml:"domain,omitempty"`
	Parent   string `yaml:"parent,omitempty"`
	Inbox    int    `yaml:"inbox,omitempty"`
	Context  uint64 `yaml:"context,omitempty"`

	Class   string `yaml:"class,omitempty"`
	Payload string `yaml:"payload,omitempty"`

	// Reason is the block reason: message or explicit.
	Reason string `yaml:"reason,omitempty"`

	// Target and Direction describe a grant. Target "*" is any domain.
	Target    string `yaml:"target,omitempty"`
	Direction string `yaml:"direction,omitempty"`

	Clearance string `yaml:"clearance,omitempty"`
	Isolation string `yaml:"isolation,omitempty"`
	Strict    bool   `yaml:"strict_inbound,omitempty"`

	// On toggles quarantine. Defaults to true.
	On *bool `yaml:"on,omitempty"`

	// Count repeats tick; Ticks bounds run.
	Count int `yaml:"count,omitempty"`
	Ticks int `yaml:"ticks,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is the expected outcome of a step.
type Expect struct {
	// Error is the expected ir.ErrorCode. Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Reason is the expected deny reason of a NOT_AUTHORIZED send.
	Reason string `yaml:"reason,omitempty"`

	// Process is the process schedule must dispatch, or "none".
	Process string `yaml:"process,omitempty"`

	// Payload is the payload receive or dequeue must return.
	Payload *string `yaml:"payload,omitempty"`

	// Empty means receive or dequeue must find nothing.
	Empty bool `yaml:"empty,omitempty"`

	// Sequence is the sequence number a send must be assigned.
	Sequence uint64 `yaml:"sequence,omitempty"`

	// Preempted is whether the last tick must preempt.
	Preempted *bool `yaml:"preempted,omitempty"`

	// Stop is the reason a run step must stop with.
	Stop string `yaml:"stop,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// Kind, Process, Peer and Detail select events (trace_contains,
	// trace_count).
	Kind    string `yaml:"kind,omitempty"`
	Process string `yaml:"process,omitempty"`
	Peer    string `yaml:"peer,omitempty"`
	Detail  string `yaml:"detail,omitempty"`

	// Events is the expected order for trace_order. Each entry is
	// "kind" or "kind process".
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of matches (trace_count, audit_count).
	Count *int `yaml:"count,omitempty"`

	// State and InboxLen check a process (process_state).
	State    string `yaml:"state,omitempty"`
	InboxLen *int   `yaml:"inbox_len,omitempty"`

	// Payloads is the expected inbox content (inbox).
	Payloads []string `yaml:"payloads,omitempty"`

	// Priority and Processes check a ready queue (ready_queue).
	Priority  string   `yaml:"priority,omitempty"`
	Processes []string `yaml:"processes,omitempty"`

	// Expect holds kernel counters (stats).
	Expect map[string]int `yaml:"expect,omitempty"`

	// Switches are expected [from, to] handle pairs (context_switches).
	Switches [][2]uint64 `yaml:"switches,omitempty"`

	// Table and Where select audit rows (audit_count).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains   = "trace_contains"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
	AssertProcessState    = "process_state"
	AssertInbox           = "inbox"
	AssertReadyQueue      = "ready_queue"
	AssertStats           = "stats"
	AssertContextSwitches = "context_switches"
	AssertAuditCount      = "audit_count"
)

// Step operation constants.
const (
	OpSpawn        = "spawn"
	OpSchedule     = "schedule"
	OpTick         = "tick"
	OpBlock        = "block"
	OpWake         = "wake"
	OpYield        = "yield"
	OpTerminate    = "terminate"
	OpSend         = "send"
	OpReceive      = "receive"
	OpDequeue      = "dequeue"
	OpCreateDomain = "create_domain"
	OpRemoveDomain = "remove_domain"
	OpGrant        = "grant"
	OpRevoke       = "revoke"
	OpQuarantine   = "quarantine"
	OpRun          = "run"
	OpVerify       = "verify"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// The manifest path is resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Manifest != "" && !filepath.IsAbs(scenario.Manifest) {
		scenario.Manifest = filepath.Join(filepath.Dir(path), scenario.Manifest)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Manifest == "" {
		return fmt.Errorf("manifest is required")
	}
	if _, err := os.Stat(s.Manifest); os.IsNotExist(err) {
		return fmt.Errorf("manifest file not found: %s", s.Manifest)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, field, st.Op)
		}
		return nil
	}

	switch st.Op {
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	case OpSpawn:
		if err := need("name", st.Name); err != nil {
			return err
		}
		return need("domain", st.Domain)
	case OpBlock, OpWake, OpYield, OpTerminate, OpReceive, OpDequeue:
		return need("process", st.Process)
	case OpSend:
		if err := need("from", st.From); err != nil {
			return err
		}
		return need("to", st.To)
	case OpCreateDomain, OpRemoveDomain, OpQuarantine:
		return need("domain", st.Domain)
	case OpGrant, OpRevoke:
		if err := need("domain", st.Domain); err != nil {
			return err
		}
		return need("target", st.Target)
	case OpRun:
		if st.Ticks <= 0 {
			return fmt.Errorf("steps[%d]: ticks must be positive for run", index)
		}
	case OpSchedule, OpTick, OpVerify:
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertProcessState:
		if a.Process == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: process and state are required for process_state", index)
		}
	case AssertInbox:
		if a.Process == "" {
			return fmt.Errorf("assertions[%d]: process is required for inbox", index)
		}
	case AssertReadyQueue:
		if a.Priority == "" {
			return fmt.Errorf("assertions[%d]: priority is required for ready_queue", index)
		}
	case AssertStats:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for stats", index)
		}
	case AssertContextSwitches:
	case AssertAuditCount:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for audit_count", index)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
