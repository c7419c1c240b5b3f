// Package reaper kills pool workers that have been idle too long.
package reaper

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/wricardo/mcp-pool/pool/worker"
	"go.uber.org/zap"
)

// DefaultSchedule is the sweep interval in cron syntax.
const DefaultSchedule = "@every 60s"

// Pool is the part of the session manager the reaper needs.
type Pool interface {
	List() []*worker.Worker
	Kill(w *worker.Worker) error
}

// Reaper sweeps the pool on a schedule.
type Reaper struct {
	pool     Pool
	timeout  time.Duration
	schedule string
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	runner *cron.Cron
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithSchedule overrides DefaultSchedule.
func WithSchedule(spec string) Option {
	return func(r *Reaper) { r.schedule = spec }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reaper) { r.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a reaper that kills workers idle longer than timeout.
func New(pool Pool, timeout time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		pool:     pool,
		timeout:  timeout,
		schedule: DefaultSchedule,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep kills every worker whose idle time exceeds the timeout and returns
// the ports it killed. Workers with a call in flight are skipped. A worker is
// retired before the kill, so no call can start on it in between.
func (r *Reaper) Sweep() []int {
	now := r.now()
	var reaped []int

	for _, w := range r.pool.List() {
		idle := w.IdleFor(now)
		if !w.TryRetire(now, r.timeout) {
			if idle > r.timeout && w.InUse() {
				r.logger.Debug("Skipping idle worker with call in flight",
					zap.Int("port", w.Port), zap.Duration("idle", idle))
			}
			continue
		}

		if err := r.pool.Kill(w); err != nil {
			r.logger.Warn("Failed to reap idle worker", zap.Int("port", w.Port), zap.Error(err))
			continue
		}
		r.logger.Info("Reaped idle worker",
			zap.Int("port", w.Port),
			zap.String("session_id", w.SessionID),
			zap.Duration("idle", idle))
		reaped = append(reaped, w.Port)
	}

	return reaped
}

// Start schedules Sweep. Calling Start on a running reaper restarts it.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runner != nil {
		r.runner.Stop()
	}

	runner := cron.New()
	if err := runner.AddFunc(r.schedule, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}
	runner.Start()
	r.runner = runner

	r.logger.Debug("Idle reaper started",
		zap.String("schedule", r.schedule), zap.Duration("timeout", r.timeout))
	return nil
}

// Stop halts the schedule. A sweep already running finishes.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runner != nil {
		r.runner.Stop()
		r.runner = nil
	}
}
