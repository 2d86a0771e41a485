// Package harness runs YAML conformance scenarios against a real kernel.
//
// A scenario boots a CUE manifest (see internal/manifest), executes a list of
// steps against the booted machine, and evaluates assertions over the
// resulting kernel trace, the kernel's final state, and the audit log.
//
// # Scenario Format
//
//	name: priority_dispatch
//	description: "Higher priority runs first"
//	manifest: manifests/two_domains.cue
//	steps:
//	  - op: spawn
//	    name: p1
//	    priority: high
//	    domain: A
//	  - op: schedule
//	    expect: { process: p1 }
//	  - op: send
//	    from: p1
//	    to: p2
//	    class: confidential
//	    expect: { error: NOT_AUTHORIZED, reason: no_grant }
//	assertions:
//	  - type: trace_order
//	    events: ["spawn p1", "dispatch p1"]
//	  - type: process_state
//	    process: p1
//	    state: running
//
// Manifest paths are relative to the scenario file.
//
// # Step Operations
//
// spawn, schedule, tick, block, wake, yield, terminate, send, receive,
// dequeue, create_domain, remove_domain, grant, revoke, quarantine, run and
// verify. A step without an expect clause must succeed. With expect.error it
// must fail with that code.
//
// # Assertion Types
//
//   - trace_contains: an event with the given kind, process, peer and detail
//   - trace_order: events appear in the given order
//   - trace_count: exactly N events of a kind
//   - process_state: a process's lifecycle state and inbox depth
//   - inbox: a process's queued payloads, oldest first
//   - ready_queue: the Ready processes at a priority level
//   - stats: kernel counters
//   - context_switches: the (from, to) context handle pairs
//   - audit_count: rows in the audit log's events or decisions table
//
// # Deterministic Testing
//
// Every scenario boots a fresh machine with a fixed run ID and an in-memory
// SQLite audit log, so traces are identical across runs and can be compared
// against golden files.
package harness
