package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wricardo/mcp-pool/pool/worker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrInvalidSession = errors.New("invalid session ID")
	ErrPoolClosed     = errors.New("pool is shut down")
)

// Lifecycle starts and kills worker processes.
type Lifecycle interface {
	Start(ctx context.Context, port int, sessionID string) (*worker.Worker, error)
	Kill(w *worker.Worker) error
}

// PortAllocator picks a port that is not in excluded.
type PortAllocator interface {
	Allocate(excluded map[int]bool) (int, error)
}

// Manager is the pool of live workers and the session → worker affinity.
type Manager struct {
	lifecycle    Lifecycle
	ports        PortAllocator
	maxInstances int
	persistence  SessionPersistence
	logger       *zap.Logger
	now          func() time.Time

	mu       sync.RWMutex
	workers  map[int]*worker.Worker
	assigned map[string]*worker.Worker

	createMu sync.Mutex
	flight   singleflight.Group
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPersistence records the pool in a state file after every change.
func WithPersistence(p SessionPersistence) Option {
	return func(m *Manager) { m.persistence = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a pool holding at most maxInstances live workers.
func NewManager(lifecycle Lifecycle, ports PortAllocator, maxInstances int, opts ...Option) *Manager {
	m := &Manager{
		lifecycle:    lifecycle,
		ports:        ports,
		maxInstances: maxInstances,
		logger:       zap.NewNop(),
		now:          time.Now,
		workers:      make(map[int]*worker.Worker),
		assigned:     make(map[string]*worker.Worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxInstances returns the pool capacity.
func (m *Manager) MaxInstances() int {
	return m.maxInstances
}

// GetOrCreate returns the session's worker, spawning one if needed.
// Concurrent callers for the same session share a single spawn, and spawns
// for different sessions run one at a time so the capacity check holds.
// The shared spawn is detached from ctx, so a caller that gives up returns
// early without failing the others.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*worker.Worker, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	if w := m.lookup(sessionID); w != nil {
		w.Touch(m.now())
		return w, nil
	}

	spawnCtx := context.WithoutCancel(ctx)
	results := m.flight.DoChan(sessionID, func() (interface{}, error) {
		return m.create(spawnCtx, sessionID)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*worker.Worker), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) create(ctx context.Context, sessionID string) (*worker.Worker, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	if m.isClosed() {
		return nil, ErrPoolClosed
	}

	if w := m.lookup(sessionID); w != nil {
		w.Touch(m.now())
		return w, nil
	}

	if m.Count() >= m.maxInstances {
		m.evictLRU()
	}

	port, err := m.ports.Allocate(m.trackedPorts())
	if err != nil {
		return nil, err
	}

	w, err := m.lifecycle.Start(ctx, port, sessionID)
	if err != nil {
		m.logger.Warn("Failed to start worker",
			zap.String("session_id", sessionID), zap.Int("port", port), zap.Error(err))
		return nil, err
	}
	w.Touch(m.now())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Info("Killing worker that finished starting after shutdown",
			zap.String("session_id", sessionID), zap.Int("port", port))
		if err := m.lifecycle.Kill(w); err != nil {
			m.logger.Warn("Failed to kill late worker", zap.Int("port", port), zap.Error(err))
		}
		return nil, ErrPoolClosed
	}
	if !w.Alive() {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: port %d", worker.ErrUnexpectedExit, port)
	}
	m.workers[port] = w
	m.assigned[sessionID] = w
	m.mu.Unlock()

	m.logger.Info("Worker assigned",
		zap.String("session_id", sessionID), zap.Int("port", port), zap.Int("pid", w.Pid()))
	m.save(sessionID)

	return w, nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// lookup returns the session's worker if it is still in the pool and
// accepting calls.
func (m *Manager) lookup(sessionID string) *worker.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.assigned[sessionID]
	if !ok {
		return nil
	}
	if m.workers[w.Port] != w || !w.Alive() || w.Retiring() {
		return nil
	}
	return w
}

// Get returns the session's live worker.
func (m *Manager) Get(sessionID string) (*worker.Worker, error) {
	if w := m.lookup(sessionID); w != nil {
		return w, nil
	}
	return nil, ErrWorkerNotFound
}

// GetByPort returns the live worker bound to port.
func (m *Manager) GetByPort(port int) (*worker.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[port]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return w, nil
}

// List returns the live workers ordered by port.
func (m *Manager) List() []*worker.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Port < result[j].Port })
	return result
}

// Count returns the number of live workers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// Kill terminates w and removes it from the pool.
func (m *Manager) Kill(w *worker.Worker) error {
	err := m.lifecycle.Kill(w)
	if sessionID, removed := m.remove(w); removed {
		m.save(sessionID)
	}
	return err
}

// KillPort terminates the worker bound to port.
func (m *Manager) KillPort(port int) error {
	w, err := m.GetByPort(port)
	if err != nil {
		return err
	}
	return m.Kill(w)
}

// HandleExit drops a worker whose process exited on its own and clears the
// session's assignment so the next call spawns a fresh one.
func (m *Manager) HandleExit(w *worker.Worker) {
	sessionID, removed := m.remove(w)
	if !removed {
		return
	}

	m.logger.Warn("Removed exited worker from pool",
		zap.String("session_id", sessionID), zap.Int("port", w.Port), zap.Error(w.ExitErr()))
	m.save(sessionID)
}

func (m *Manager) remove(w *worker.Worker) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.workers[w.Port] != w {
		return "", false
	}
	delete(m.workers, w.Port)

	sessionID := w.SessionID
	for id, assigned := range m.assigned {
		if assigned == w {
			delete(m.assigned, id)
			sessionID = id
		}
	}
	return sessionID, true
}

// evictLRU kills the least recently used worker. Equal timestamps go to the
// lowest port.
func (m *Manager) evictLRU() {
	victim := m.lruCandidate()
	if victim == nil {
		return
	}

	m.logger.Info("Evicting least recently used worker",
		zap.Int("port", victim.Port),
		zap.String("session_id", victim.SessionID),
		zap.Duration("idle", victim.IdleFor(m.now())))

	if err := m.Kill(victim); err != nil {
		m.logger.Warn("Eviction kill reported an error", zap.Int("port", victim.Port), zap.Error(err))
	}
}

func (m *Manager) lruCandidate() *worker.Worker {
	var victim *worker.Worker
	var victimUsed time.Time

	for _, w := range m.List() {
		used := w.LastUsed()
		if victim == nil || used.Before(victimUsed) {
			victim, victimUsed = w, used
		}
	}
	return victim
}

func (m *Manager) trackedPorts() map[int]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ports := make(map[int]bool, len(m.workers))
	for port := range m.workers {
		ports[port] = true
	}
	return ports
}

// Shutdown kills every tracked worker and deletes the session state files.
// Spawns still in progress are killed when they finish and later calls get
// ErrPoolClosed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var errs error
	sessions := map[string]bool{}

	for _, w := range m.List() {
		sessions[w.SessionID] = true
		errs = multierr.Append(errs, m.lifecycle.Kill(w))
		m.remove(w)
	}

	if m.persistence != nil {
		for id := range sessions {
			if m.persistence.Exists(id) {
				errs = multierr.Append(errs, m.persistence.Delete(id))
			}
		}
	}

	return errs
}

// save writes the session's current workers to persistence.
func (m *Manager) save(sessionID string) {
	if m.persistence == nil || sessionID == "" {
		return
	}

	record := &Record{
		SessionID:  sessionID,
		ManagerPID: os.Getpid(),
		UpdatedAt:  m.now(),
		Workers:    []WorkerRecord{},
	}
	for _, w := range m.List() {
		if w.SessionID != sessionID {
			continue
		}
		record.Workers = append(record.Workers, WorkerRecord{
			Port:      w.Port,
			PID:       w.Pid(),
			StartedAt: w.StartedAt,
		})
	}

	if err := m.persistence.Save(record); err != nil {
		m.logger.Warn("Failed to persist pool state", zap.String("session_id", sessionID), zap.Error(err))
	}
}
