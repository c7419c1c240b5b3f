package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wricardo/mcp-pool/pool/worker"
)

// ErrProxyCall marks a forwarded operation that failed.
var ErrProxyCall = errors.New("proxy call failed")

// PoolService defines the operations transports expose to callers
type PoolService interface {
	// SessionID returns the identity this manager serves
	SessionID() string

	// Call forwards an operation to the session's worker. Failures come back
	// as error-flagged results, never as Go errors.
	Call(ctx context.Context, operation string, args map[string]any) *mcp.CallToolResult

	// Pool inspection
	Status(ctx context.Context) *Status
	ListWorkers(ctx context.Context) []WorkerInfo

	// Pool control
	KillWorker(ctx context.Context, port int) error
	Shutdown() error
}

// Pool defines the session manager operations the service relies on
type Pool interface {
	GetOrCreate(ctx context.Context, sessionID string) (*worker.Worker, error)
	Get(sessionID string) (*worker.Worker, error)
	List() []*worker.Worker
	KillPort(port int) error
	MaxInstances() int
	Shutdown() error
}

// NewSessionID builds an identifier from the current time and a random
// fragment. Uniqueness is best effort.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("session_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}
