package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL database at DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit entry kinds.
const (
	KindRebuild         = "rebuild"
	KindBroadcastFailed = "broadcast_failed"
)

// AuditEntry is one audit record. Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Cycle   string    `json:"cycle,omitempty"`
	Subject string    `json:"subject,omitempty"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	// Labels lists the group labels that were skipped in a rebuild.
	Labels   []string `json:"labels,omitempty"`
	Error    string   `json:"error,omitempty"`
	TookMS   int64    `json:"took_ms"`
	MetaJSON string   `json:"meta,omitempty"`
}
