package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wricardo/mcp-pool/pool/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/wricardo/mcp-pool/pool/service"

// acquireAttempts bounds how often a call re-resolves a worker that retired
// under it.
const acquireAttempts = 3

// poolServiceImpl implements the PoolService interface
type poolServiceImpl struct {
	pool      Pool
	sessionID string
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures the pool service.
type Option func(*poolServiceImpl)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *poolServiceImpl) { s.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *poolServiceImpl) { s.now = now }
}

// NewPoolService creates the service for one caller session
func NewPoolService(pool Pool, sessionID string, opts ...Option) PoolService {
	s := &poolServiceImpl{
		pool:      pool,
		sessionID: sessionID,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *poolServiceImpl) SessionID() string {
	return s.sessionID
}

// Call forwards operation to the session's worker and normalizes failures
func (s *poolServiceImpl) Call(ctx context.Context, operation string, args map[string]any) *mcp.CallToolResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "proxy.call", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("tool.name", operation), attribute.String("session.id", s.sessionID))
	defer span.End()

	result, port, err := s.forward(ctx, operation, args)
	if port != 0 {
		span.SetAttributes(attribute.Int("worker.port", port))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Proxy call failed",
			zap.String("tool", operation), zap.Int("port", port), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Error calling %s: %v", operation, err))
	}

	if result.IsError {
		span.SetStatus(codes.Error, "worker reported an error")
		s.logger.Debug("Worker reported an error", zap.String("tool", operation), zap.Int("port", port))
	}
	return result
}

func (s *poolServiceImpl) forward(ctx context.Context, operation string, args map[string]any) (*mcp.CallToolResult, int, error) {
	w, release, err := s.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() { release(s.now()) }()

	ch := w.Channel()
	if ch == nil {
		return nil, w.Port, fmt.Errorf("%w: worker on port %d has no open channel", ErrProxyCall, w.Port)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = operation
	req.Params.Arguments = args

	result, err := ch.CallTool(ctx, req)
	if err != nil {
		return nil, w.Port, fmt.Errorf("%w: %v", ErrProxyCall, err)
	}
	if result == nil {
		return nil, w.Port, fmt.Errorf("%w: worker returned an empty response", ErrProxyCall)
	}
	if result.IsError && len(result.Content) == 0 {
		return nil, w.Port, fmt.Errorf("%w: worker reported an error without details", ErrProxyCall)
	}

	return result, w.Port, nil
}

// acquire resolves the session's worker and marks a call in flight on it.
// A worker retired or killed between the two steps is resolved again.
func (s *poolServiceImpl) acquire(ctx context.Context) (*worker.Worker, func(time.Time), error) {
	var port int
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		w, err := s.pool.GetOrCreate(ctx, s.sessionID)
		if err != nil {
			return nil, nil, err
		}
		if release, ok := w.Acquire(s.now()); ok {
			return w, release, nil
		}
		port = w.Port
		s.logger.Debug("Worker retired before the call started, resolving again", zap.Int("port", port))
	}
	return nil, nil, fmt.Errorf("%w: worker on port %d kept retiring", ErrProxyCall, port)
}

// Status reports the live pool. LiveCount is taken from the same snapshot
// as Workers.
func (s *poolServiceImpl) Status(ctx context.Context) *Status {
	workers := s.ListWorkers(ctx)

	status := &Status{
		SessionID:    s.sessionID,
		MaxInstances: s.pool.MaxInstances(),
		LiveCount:    len(workers),
		Workers:      workers,
		GeneratedAt:  s.now(),
	}
	if w, err := s.pool.Get(s.sessionID); err == nil {
		status.HasWorker = true
		status.AssignedPort = w.Port
	}
	return status
}

// ListWorkers describes every live worker, ordered by port
func (s *poolServiceImpl) ListWorkers(ctx context.Context) []WorkerInfo {
	now := s.now()
	workers := s.pool.List()

	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, WorkerInfo{
			Port:        w.Port,
			SessionID:   w.SessionID,
			PID:         w.Pid(),
			State:       w.State().String(),
			IdleMinutes: int(w.IdleFor(now).Minutes()),
			InFlight:    w.InFlight(),
			StartedAt:   w.StartedAt,
			LastUsed:    w.LastUsed(),
		})
	}
	return infos
}

// KillWorker terminates the worker on port
func (s *poolServiceImpl) KillWorker(ctx context.Context, port int) error {
	if err := s.pool.KillPort(port); err != nil {
		return fmt.Errorf("failed to kill worker on port %d: %w", port, err)
	}
	s.logger.Info("Worker killed on request", zap.Int("port", port))
	return nil
}

// Shutdown kills every worker
func (s *poolServiceImpl) Shutdown() error {
	return s.pool.Shutdown()
}
