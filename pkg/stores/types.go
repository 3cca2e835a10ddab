package stores

import (
	"errors"
	"path/filepath"
	"time"
)

var (
	// ErrNotFound is returned when a record or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateRecord is returned when a record for the step ID already exists.
	ErrDuplicateRecord = errors.New("install record already exists")

	// ErrNotInitialized is returned when the store is used before Init.
	ErrNotInitialized = errors.New("database not initialized")
)

// DefaultPath returns the state file location under a home directory.
func DefaultPath(home string) string {
	return filepath.Join(home, ".cache", "concierge", "state.db")
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file, or ":memory:".
	Path string

	// BusyTimeout is how long a writer waits for a lock. Defaults to 5s.
	BusyTimeout time.Duration
}

// EventEntry is a persisted timeline event.
type EventEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
