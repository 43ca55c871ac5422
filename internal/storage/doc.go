// Package storage persists the run history of pool tasks.
//
// Two drivers are available:
//   - file: append-only JSON Lines, compacted when it grows past a bound
//   - sqlite: a single SQLite database file (modernc.org/sqlite, no cgo)
package storage
