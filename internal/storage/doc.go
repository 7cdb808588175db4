// Package storage persists audit records for the auto-message daemon.
//
// Two kinds of entries are written:
//   - one per rebuild cycle (started/skipped counts, skipped labels)
//   - one per broadcast job that ended in failure or was dropped
//
// Drivers: "file" (JSON Lines), "sqlite" (modernc.org/sqlite) and
// "postgres" (github.com/lib/pq). An empty or "none" driver disables storage.
package storage
