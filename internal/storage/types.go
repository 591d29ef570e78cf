package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one terminal task of a build.
// Keep it compact and schema-stable.
type RunRecord struct {
	At         time.Time `json:"at"`
	RunID      string    `json:"run_id"`
	Task       string    `json:"task"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
