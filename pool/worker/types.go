package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

var (
	ErrSpawnFailure      = errors.New("worker spawn failed")
	ErrStartupTimeout    = errors.New("worker did not become ready in time")
	ErrConnectionFailure = errors.New("worker connection failed")
	ErrUnexpectedExit    = errors.New("worker exited unexpectedly")
)

// State is a worker's position in its lifecycle.
type State int

const (
	StateStarting State = iota
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EventType names something that happened to a worker process.
type EventType string

const (
	EventSpawned   EventType = "spawned"
	EventOutput    EventType = "output"
	EventReady     EventType = "ready"
	EventConnected EventType = "connected"
	EventExited    EventType = "exited"
	EventKilled    EventType = "killed"
	EventFailed    EventType = "failed"
)

// Event is delivered into a worker's state machine.
type Event struct {
	Type   EventType
	Port   int
	Stream string // "stdout" or "stderr" for output events
	Line   string
	Err    error
	At     time.Time
}

// Terminal reports whether the event ends the worker's life.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventExited, EventKilled, EventFailed:
		return true
	}
	return false
}

// Channel is the live call connection to a worker's MCP endpoint.
// *client.Client from mcp-go satisfies it.
type Channel interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Process is a running worker process.
type Process interface {
	Pid() int
	Kill() error
}

// Launcher starts worker processes. emit receives output and exit events for
// the lifetime of the process.
type Launcher interface {
	Launch(port int, emit func(Event)) (Process, error)
}

// ReadinessProber waits until a freshly launched worker answers on its port.
type ReadinessProber interface {
	AwaitReady(ctx context.Context, port int) error
}

// Connector opens a call channel to a ready worker.
type Connector interface {
	Connect(ctx context.Context, port int) (Channel, error)
}

// Observer is notified of every event a worker goes through.
type Observer interface {
	WorkerEvent(w *Worker, ev Event)
}
