// Package store provides SQLite-backed durable storage for Mirage audit
// logs.
//
// A run is one boot of a manifest. Each run appends:
//   - Events: kernel transitions (spawn, dispatch, send, deny, halt, ...)
//   - Decisions: every authorization verdict, allow or deny
//
// Records are content addressed (see internal/ir/hash.go) and ordered by the
// kernel's logical clock. All queries order by seq ASC, id ASC COLLATE BINARY
// so reads are identical across replays.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
