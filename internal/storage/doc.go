// Package storage persists job run history.
//
// Drivers:
//   - "file": append-only JSON Lines, compacted when it grows past max_rows
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
//   - "bolt": a BoltDB file keyed by insertion sequence
//   - "mongo": a MongoDB collection, for sharing history between hosts
package storage
