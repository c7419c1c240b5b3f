package service

import (
	"time"
)

// Status is a snapshot of the pool for the status query.
type Status struct {
	SessionID    string       `json:"session_id"`
	AssignedPort int          `json:"assigned_port,omitempty"`
	HasWorker    bool         `json:"has_worker"`
	MaxInstances int          `json:"max_instances"`
	LiveCount    int          `json:"live_count"`
	Workers      []WorkerInfo `json:"workers"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// WorkerInfo describes one live worker.
type WorkerInfo struct {
	Port        int       `json:"port"`
	SessionID   string    `json:"session_id"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	IdleMinutes int       `json:"idle_minutes"`
	InFlight    int       `json:"in_flight"`
	StartedAt   time.Time `json:"started_at"`
	LastUsed    time.Time `json:"last_used"`
}
