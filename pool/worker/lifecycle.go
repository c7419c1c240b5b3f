package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const tracerName = "github.com/wricardo/mcp-pool/pool/worker"

// Manager drives workers through Starting → Ready → Terminated.
type Manager struct {
	launcher  Launcher
	prober    ReadinessProber
	connector Connector
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	observers []Observer
	onExit    func(*Worker)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithObserver registers an observer for worker events.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// NewManager creates a lifecycle manager.
func NewManager(launcher Launcher, prober ReadinessProber, connector Connector, opts ...Option) *Manager {
	m := &Manager{
		launcher:  launcher,
		prober:    prober,
		connector: connector,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddObserver registers an observer after construction.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// OnUnexpectedExit sets the hook run when a worker's process exits without
// being killed by the manager.
func (m *Manager) OnUnexpectedExit(fn func(*Worker)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// Start spawns a worker on port, waits for readiness and connects to it.
// On any failure the process is killed and the worker is returned to no one.
func (m *Manager) Start(ctx context.Context, port int, sessionID string) (*Worker, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.start")
	span.SetAttributes(attribute.Int("worker.port", port), attribute.String("session.id", sessionID))
	defer span.End()

	w, err := m.start(ctx, port, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("worker.pid", w.Pid()))
	return w, nil
}

func (m *Manager) start(ctx context.Context, port int, sessionID string) (*Worker, error) {
	w := New(port, sessionID, m.now())
	log := m.logger.With(zap.Int("port", port), zap.String("session_id", sessionID))

	proc, err := m.launcher.Launch(port, func(ev Event) { m.Deliver(w, ev) })
	if err != nil {
		m.Deliver(w, Event{Type: EventFailed, Port: port, Err: err})
		return nil, fmt.Errorf("%w: port %d: %v", ErrSpawnFailure, port, err)
	}
	w.setProcess(proc)
	m.Deliver(w, Event{Type: EventSpawned, Port: port})
	log.Info("Worker spawned", zap.Int("pid", proc.Pid()))

	// Abort the startup waits as soon as the process dies.
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.Done():
			cancel()
		case <-stepCtx.Done():
		}
	}()

	if err := m.prober.AwaitReady(stepCtx, port); err != nil {
		return nil, m.abort(w, err)
	}
	m.Deliver(w, Event{Type: EventReady, Port: port})

	ch, err := m.connector.Connect(stepCtx, port)
	if err != nil {
		return nil, m.abort(w, err)
	}
	if !w.setChannel(ch) {
		ch.Close()
		return nil, fmt.Errorf("%w: port %d: process exited during handshake: %v", ErrUnexpectedExit, port, w.ExitErr())
	}
	m.Deliver(w, Event{Type: EventConnected, Port: port})

	if !w.Alive() {
		// Died after the handshake; the exit event already released it.
		return nil, fmt.Errorf("%w: port %d", ErrUnexpectedExit, port)
	}

	log.Info("Worker ready", zap.Duration("startup", m.now().Sub(w.StartedAt)))
	return w, nil
}

// abort terminates a worker that failed to start and classifies the error.
func (m *Manager) abort(w *Worker, cause error) error {
	exited := !w.Alive()
	m.Deliver(w, Event{Type: EventFailed, Port: w.Port, Err: cause})

	if exited {
		return fmt.Errorf("%w: port %d: process exited during startup: %v", ErrSpawnFailure, w.Port, w.ExitErr())
	}
	return cause
}

// Kill terminates w. Killing a terminated worker does nothing.
func (m *Manager) Kill(w *Worker) error {
	return m.Deliver(w, Event{Type: EventKilled, Port: w.Port})
}

// Deliver feeds ev into w's state machine and notifies observers. When the
// event terminates the worker the channel is closed and the process killed;
// the returned error is the kill error, if any.
func (m *Manager) Deliver(w *Worker, ev Event) error {
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	if ev.Port == 0 {
		ev.Port = w.Port
	}

	terminated, proc, ch := w.apply(ev)

	var killErr error
	if terminated {
		killErr = m.release(w, ev, proc, ch)
	}

	m.log(w, ev, terminated)

	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	onExit := m.onExit
	m.mu.RUnlock()

	for _, o := range observers {
		o.WorkerEvent(w, ev)
	}

	if terminated && ev.Type == EventExited && onExit != nil {
		onExit(w)
	}

	return killErr
}

func (m *Manager) release(w *Worker, ev Event, proc Process, ch Channel) error {
	if ch != nil {
		if err := ch.Close(); err != nil {
			m.logger.Debug("Ignoring channel close error",
				zap.Int("port", w.Port), zap.Error(err))
		}
	}

	if proc == nil || ev.Type == EventExited {
		return nil
	}
	if err := proc.Kill(); err != nil {
		m.logger.Warn("Failed to kill worker process",
			zap.Int("port", w.Port), zap.Int("pid", proc.Pid()), zap.Error(err))
		return fmt.Errorf("kill worker on port %d: %w", w.Port, err)
	}
	return nil
}

func (m *Manager) log(w *Worker, ev Event, terminated bool) {
	fields := []zap.Field{
		zap.Int("port", w.Port),
		zap.String("session_id", w.SessionID),
		zap.String("event", string(ev.Type)),
	}

	switch ev.Type {
	case EventOutput:
		m.logger.Debug(ev.Line, append(fields, zap.String("stream", ev.Stream))...)
	case EventExited:
		if terminated {
			m.logger.Warn("Worker exited unexpectedly", append(fields, zap.Error(ev.Err))...)
		} else {
			m.logger.Debug("Worker process exited", fields...)
		}
	case EventFailed:
		m.logger.Warn("Worker failed to start", append(fields, zap.Error(ev.Err))...)
	case EventKilled:
		if terminated {
			m.logger.Info("Worker killed", fields...)
		}
	default:
		m.logger.Debug("Worker event", fields...)
	}
}
