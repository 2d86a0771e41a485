package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/mirage/internal/boot"
	"github.com/roach88/mirage/internal/ir"
	"github.com/roach88/mirage/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// auditTables are the audit log tables audit_count may query.
var auditTables = map[string]bool{"events": true, "decisions": true}

// processColumns hold process IDs. Where values naming a scenario process
// are translated to its ID before querying.
var processColumns = map[string]bool{"pid": true, "sender": true, "receiver": true}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describe(event))
		}
	}

	return buf.String()
}

// describe renders an event as "kind process -> peer (detail)".
func describe(ev TraceEvent) string {
	var buf strings.Builder
	buf.WriteString(ev.Kind)
	if ev.Process != "" {
		buf.WriteString(" " + ev.Process)
	}
	if ev.Peer != "" {
		buf.WriteString(" -> " + ev.Peer)
	}
	if ev.Detail != "" {
		buf.WriteString(" (" + ev.Detail + ")")
	}
	return buf.String()
}

// AssertionContext provides the state assertions inspect beyond the trace.
type AssertionContext struct {
	Ctx     context.Context
	Store   *store.Store
	RunID   string
	Machine *boot.Machine
}

// matchesEvent reports whether ev satisfies every selector set on a.
func matchesEvent(ev TraceEvent, a Assertion) bool {
	if ev.Kind != a.Kind {
		return false
	}
	if a.Process != "" && ev.Process != a.Process {
		return false
	}
	if a.Peer != "" && ev.Peer != a.Peer {
		return false
	}
	if a.Detail != "" && ev.Detail != a.Detail {
		return false
	}
	return true
}

func selectorString(a Assertion) string {
	parts := []string{a.Kind}
	if a.Process != "" {
		parts = append(parts, "process="+a.Process)
	}
	if a.Peer != "" {
		parts = append(parts, "peer="+a.Peer)
	}
	if a.Detail != "" {
		parts = append(parts, "detail="+a.Detail)
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks if the trace contains a matching event.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchesEvent(event, assertion) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: selectorString(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that events appear in the specified order.
// Events don't need to be consecutive (intervening events are allowed).
// Each entry matches the first event after the previous match.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Events {
		sel := parseOrderEntry(want)
		found := false
		for pos < len(trace) {
			ev := trace[pos]
			pos++
			if matchesEvent(ev, sel) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual:   fmt.Sprintf("no %q after the previous match", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// parseOrderEntry splits "kind process" into a selector.
func parseOrderEntry(s string) Assertion {
	fields := strings.Fields(s)
	var a Assertion
	if len(fields) > 0 {
		a.Kind = fields[0]
	}
	if len(fields) > 1 {
		a.Process = fields[1]
	}
	return a
}

// assertTraceCount checks if the event appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchesEvent(event, assertion) {
			count++
		}
	}

	if count != *assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", *assertion.Count, selectorString(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertProcessState checks a process's lifecycle state and inbox depth.
// A terminated process reports "terminated" through its stale ID.
func assertProcessState(m *boot.Machine, assertion Assertion) error {
	pid, ok := m.PID(assertion.Process)
	if !ok {
		return fmt.Errorf("process_state: unknown process %q", assertion.Process)
	}
	state, err := m.Kernel.State(pid)
	if err != nil {
		return &AssertionError{
			Type:     AssertProcessState,
			Expected: fmt.Sprintf("%s is %s", assertion.Process, assertion.State),
			Actual:   fmt.Sprintf("state error: %v", err),
		}
	}
	if state.String() != assertion.State {
		return &AssertionError{
			Type:     AssertProcessState,
			Expected: fmt.Sprintf("%s is %s", assertion.Process, assertion.State),
			Actual:   fmt.Sprintf("%s is %s", assertion.Process, state),
		}
	}

	if assertion.InboxLen != nil {
		snap, err := m.Kernel.Process(pid)
		if err != nil {
			return fmt.Errorf("process_state: %w", err)
		}
		if snap.InboxLen != *assertion.InboxLen {
			return &AssertionError{
				Type:     AssertProcessState,
				Expected: fmt.Sprintf("%s inbox holds %d", assertion.Process, *assertion.InboxLen),
				Actual:   fmt.Sprintf("inbox holds %d", snap.InboxLen),
			}
		}
	}
	return nil
}

// assertInbox checks a process's queued payloads, oldest first.
func assertInbox(m *boot.Machine, assertion Assertion) error {
	pid, ok := m.PID(assertion.Process)
	if !ok {
		return fmt.Errorf("inbox: unknown process %q", assertion.Process)
	}
	msgs, err := m.Kernel.Inbox(pid)
	if err != nil {
		return fmt.Errorf("inbox: %w", err)
	}
	got := make([]string, len(msgs))
	for i, msg := range msgs {
		got[i] = string(msg.Payload)
	}
	want := assertion.Payloads
	if want == nil {
		want = []string{}
	}
	if !reflect.DeepEqual(got, want) {
		return &AssertionError{
			Type:     AssertInbox,
			Expected: fmt.Sprintf("%s inbox %q", assertion.Process, want),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

// assertReadyQueue checks the Ready processes at one level, head first.
func assertReadyQueue(m *boot.Machine, assertion Assertion) error {
	level, err := ir.ParsePriority(assertion.Priority)
	if err != nil {
		return fmt.Errorf("ready_queue: %w", err)
	}
	ids := m.Kernel.ReadyQueue(level)
	got := make([]string, len(ids))
	for i, pid := range ids {
		got[i] = m.Name(pid)
	}
	want := assertion.Processes
	if want == nil {
		want = []string{}
	}
	if !reflect.DeepEqual(got, want) {
		return &AssertionError{
			Type:     AssertReadyQueue,
			Expected: fmt.Sprintf("%s queue %v", level, want),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

// statValues flattens kernel counters for stats assertions.
func statValues(m *boot.Machine) map[string]int {
	s := m.Kernel.Stats()
	halted := 0
	if s.Halted {
		halted = 1
	}
	return map[string]int{
		"live":        s.Live,
		"free":        s.Free,
		"ready":       s.Ready,
		"blocked":     s.Blocked,
		"ticks":       int(s.Ticks),
		"switches":    int(s.Switches),
		"preemptions": int(s.Preemptions),
		"sent":        int(s.Sent),
		"denied":      int(s.Denied),
		"delivered":   int(s.Delivered),
		"halted":      halted,
	}
}

// assertStats checks kernel counters (subset semantics).
func assertStats(m *boot.Machine, assertion Assertion) error {
	actual := statValues(m)

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		got, ok := actual[key]
		if !ok {
			return fmt.Errorf("stats: unknown counter %q", key)
		}
		if got != assertion.Expect[key] {
			return &AssertionError{
				Type:     AssertStats,
				Expected: fmt.Sprintf("%s = %d", key, assertion.Expect[key]),
				Actual:   fmt.Sprintf("%s = %d", key, got),
			}
		}
	}
	return nil
}

// assertContextSwitches checks the exact sequence of context switches.
func assertContextSwitches(switches [][2]uint64, assertion Assertion) error {
	want := assertion.Switches
	if want == nil {
		want = [][2]uint64{}
	}
	if !reflect.DeepEqual(switches, want) {
		return &AssertionError{
			Type:     AssertContextSwitches,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", switches),
		}
	}
	return nil
}

// assertAuditCount counts rows of this run in the events or decisions table.
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertAuditCount(actx *AssertionContext, assertion Assertion) error {
	if !auditTables[assertion.Table] {
		return fmt.Errorf("invalid table name %q: must be events or decisions", assertion.Table)
	}

	where := make(map[string]any, len(assertion.Where)+1)
	for k, v := range assertion.Where {
		if name, ok := v.(string); ok && processColumns[k] {
			if pid, found := actx.Machine.PID(name); found {
				v = pid.String()
			}
		}
		where[k] = v
	}
	where["run_id"] = actx.RunID

	whereSQL, whereArgs, err := buildWhereClause(where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", assertion.Table, whereSQL)
	var count int
	if err := actx.Store.DB().QueryRowContext(actx.Ctx, query, whereArgs...).Scan(&count); err != nil {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	if count != *assertion.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", *assertion.Count, assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
//
// Security: Column names are validated against a whitelist pattern to prevent
// SQL injection via identifier interpolation.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))

	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}

	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	case uint64:
		return int64(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides the machine and audit log for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		needsMachine := assertion.Type != AssertTraceContains &&
			assertion.Type != AssertTraceOrder &&
			assertion.Type != AssertTraceCount &&
			assertion.Type != AssertContextSwitches
		if needsMachine && (actx == nil || actx.Machine == nil) {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %s requires a booted machine", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertProcessState:
			err = assertProcessState(actx.Machine, assertion)
		case AssertInbox:
			err = assertInbox(actx.Machine, assertion)
		case AssertReadyQueue:
			err = assertReadyQueue(actx.Machine, assertion)
		case AssertStats:
			err = assertStats(actx.Machine, assertion)
		case AssertContextSwitches:
			err = assertContextSwitches(result.Switches, assertion)
		case AssertAuditCount:
			if actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: audit_count requires database context", i)
			} else {
				err = assertAuditCount(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
