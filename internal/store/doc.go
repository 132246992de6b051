// Package store provides SQLite-backed storage for test reports.
//
// Every published report is kept with its runs and their tool calls:
//   - reports: one row per test invocation, with counts and pass rate
//   - runs: one row per (scenario, trial), with the canonical trace
//   - tool_calls: one row per intercepted call, for cross-run queries
//
// Writes are idempotent: publishing the same report id twice is a no-op.
// Payloads are stored as canonical JSON so stored traces hash to the same
// digest they had in memory.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
