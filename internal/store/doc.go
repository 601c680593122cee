// Package store provides SQLite-backed durable storage for the binding
// tester.
//
// It serves two roles:
//   - a multi-version kv.Engine, so a Database can run on a single SQLite
//     file ("sqlite:<path>" cluster descriptors)
//   - the instruction journal, an append-only record of every instruction
//     each thread dispatched during a run
//
// # Versioned Rows
//
// Every write inserts a (key, version) row; deletes insert a NULL value. A
// read at version v sees, per key, the row with the greatest version <= v.
// Clear ranges are written as tombstones for every key stored in the range.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Journal queries order by seq (an autoincrement column), never by time, so
// traces read back in dispatch order.
package store
