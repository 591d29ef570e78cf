// Package storage persists task signatures between builds and keeps an
// audit trail of task runs.
//
// Drivers:
//   - file: JSON snapshot plus an append-only journal, compacted periodically
//   - sqlite: a single SQLite database (modernc.org/sqlite, WAL)
//   - none or empty: disabled; Open returns a nil Store
package storage
