// Package storage persists job schedules and catalog content.
//
// Three drivers share one Store interface:
//   - memory: maps guarded by a mutex
//   - file: memory plus a JSON snapshot and an append-only journal
//   - sqlite: modernc.org/sqlite with embedded migrations
package storage
