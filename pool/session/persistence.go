package session

import (
	"time"
)

// SessionPersistence defines the interface for recording which worker
// processes a manager owns, so a later manager can clean up after a crash.
type SessionPersistence interface {
	// Save persists a record, replacing any previous one for the session
	Save(record *Record) error

	// Load retrieves a record by session ID
	Load(id string) (*Record, error)

	// Delete removes a record
	Delete(id string) error

	// ListAll returns all persisted session IDs
	ListAll() ([]string, error)

	// Exists checks if a record exists
	Exists(id string) bool
}

// Record is the JSON structure persisted for a session
type Record struct {
	SessionID  string         `json:"session_id"`
	ManagerPID int            `json:"manager_pid"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Workers    []WorkerRecord `json:"workers"`
}

// WorkerRecord identifies one worker process in a Record
type WorkerRecord struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}
