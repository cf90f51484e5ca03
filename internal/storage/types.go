package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSONL journal next to Path
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// RunRetention drops run history older than this; 0 keeps the default (7 days).
	RunRetention time.Duration
	// RunsPerTask caps the history kept in memory by the file driver.
	RunsPerTask int
}

const (
	defaultRunRetention = 7 * 24 * time.Hour
	defaultRunsPerTask  = 50
)

// StatusRecord is the last known status of a background task.
type StatusRecord struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	State       string            `json:"state"`
	Schedule    string            `json:"schedule,omitempty"`
	Error       string            `json:"error,omitempty"`
	RunCount    uint64            `json:"run_count"`
	LastRunAt   time.Time         `json:"last_run_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RunRecord is one finished run.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
}
