// Package storage persists posts, stories, campaign data, the audit trail
// and notifier dedup state.
//
// Drivers:
//   - "memory": process-local maps, the default and the test backend
//   - "sqlite": a single SQLite database file (modernc.org/sqlite)
package storage
