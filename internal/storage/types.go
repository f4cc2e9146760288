package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (append-only jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one runtime decision about a plugin.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Plugin string    `json:"plugin"`
	Action string    `json:"action"`         // e.g. "init", "start", "stop", "skip", "health"
	From   string    `json:"from,omitempty"` // lifecycle state before
	To     string    `json:"to,omitempty"`   // lifecycle state after
	Detail string    `json:"detail,omitempty"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms,omitempty"`
}
