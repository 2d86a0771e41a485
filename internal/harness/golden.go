package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/mirage/internal/ir"
)

// Snapshot renders a result as JSON Lines: a header naming the scenario,
// then one canonical JSON object per kernel event in emission order. Each
// event carries its kernel fields plus seq, and process and peer_process
// naming its processes as the scenario does.
//
// The output is byte-stable across runs of the same scenario.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	var buf bytes.Buffer

	header, err := ir.MarshalCanonical(map[string]any{
		"scenario":      scenarioName,
		"run_id":        result.RunID,
		"trace_version": ir.TraceVersion,
		"events":        len(result.Trace),
	})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, ev := range result.Trace {
		line, err := ir.MarshalCanonical(snapshotEvent(ev))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func snapshotEvent(ev TraceEvent) map[string]any {
	m := make(map[string]any, len(ev.Fields)+3)
	for k, v := range ev.Fields {
		m[k] = v
	}
	m["seq"] = ev.Seq
	if ev.Process != "" {
		m["process"] = ev.Process
	}
	if ev.Peer != "" {
		m["peer_process"] = ev.Peer
	}
	return m
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass and Errors.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, snapshot)

	return nil
}
