// Package ir provides the shared vocabulary of the Mirage core.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. Both kernel layers speak in these
// types, which keeps L1 (scheduling, lifecycle, IPC) and L2 (domains,
// authorization) free of imports on each other.
//
// Key design constraints:
//   - Identifiers are small value types (ProcessID carries a generation)
//   - Logical sequence numbers only, never wall-clock timestamps
//   - Every failure is an *Error with a stable Code and a Class
//   - All JSON tags use snake_case
package ir
