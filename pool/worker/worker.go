package worker

import (
	"sync"
	"time"
)

// Worker is one spawned process with its bound port and call channel.
type Worker struct {
	Port      int
	SessionID string
	StartedAt time.Time

	mu       sync.Mutex
	state    State
	process  Process
	channel  Channel
	lastUsed time.Time
	inFlight int
	retiring bool
	exitErr  error
	done     chan struct{}
}

// New creates a worker in the Starting state.
func New(port int, sessionID string, now time.Time) *Worker {
	return &Worker{
		Port:      port,
		SessionID: sessionID,
		StartedAt: now,
		state:     StateStarting,
		lastUsed:  now,
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed once the worker reaches Terminated.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Alive reports whether the worker has not terminated.
func (w *Worker) Alive() bool {
	return w.State() != StateTerminated
}

// Pid returns the process id, or 0 before the process exists.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.process == nil {
		return 0
	}
	return w.process.Pid()
}

// Channel returns the call channel, nil until connected.
func (w *Worker) Channel() Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.channel
}

// ExitErr returns the error the process exited with, if any.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

// LastUsed returns the time of the most recent use.
func (w *Worker) LastUsed() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

// Touch records a use at now.
func (w *Worker) Touch(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.After(w.lastUsed) {
		w.lastUsed = now
	}
}

// IdleFor returns how long the worker has been unused at now.
func (w *Worker) IdleFor(now time.Time) time.Duration {
	return now.Sub(w.LastUsed())
}

// Acquire marks a call in flight and touches the worker. The returned func
// ends the call. It fails once the worker is retiring or terminated, in
// which case the caller should resolve a fresh worker.
func (w *Worker) Acquire(now time.Time) (func(time.Time), bool) {
	w.mu.Lock()
	if w.retiring || w.state == StateTerminated {
		w.mu.Unlock()
		return nil, false
	}
	w.inFlight++
	if now.After(w.lastUsed) {
		w.lastUsed = now
	}
	w.mu.Unlock()

	var once sync.Once
	return func(end time.Time) {
		once.Do(func() {
			w.mu.Lock()
			w.inFlight--
			if end.After(w.lastUsed) {
				w.lastUsed = end
			}
			w.mu.Unlock()
		})
	}, true
}

// TryRetire marks the worker retiring if it has no call in flight and has
// been idle longer than timeout at now. A retired worker accepts no new
// calls, so the caller may kill it without racing Acquire.
func (w *Worker) TryRetire(now time.Time, timeout time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.retiring || w.state == StateTerminated || w.inFlight > 0 {
		return false
	}
	if now.Sub(w.lastUsed) <= timeout {
		return false
	}
	w.retiring = true
	return true
}

// Retiring reports whether TryRetire claimed the worker.
func (w *Worker) Retiring() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retiring
}

// InUse reports whether a proxied call is running on this worker.
func (w *Worker) InUse() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight > 0
}

// InFlight returns the number of running calls.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

func (w *Worker) setProcess(p Process) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.process = p
}

// setChannel stores ch unless the worker already terminated, in which case
// the caller still owns ch.
func (w *Worker) setChannel(ch Channel) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateTerminated {
		return false
	}
	w.channel = ch
	return true
}

// apply moves the state machine on ev. It reports whether this event
// terminated the worker; when it did, the process and channel handles are
// handed back to the caller for release and cleared on the worker.
func (w *Worker) apply(ev Event) (terminated bool, proc Process, ch Channel) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateTerminated {
		return false, nil, nil
	}

	switch {
	case ev.Terminal():
		w.state = StateTerminated
		if ev.Type == EventExited {
			w.exitErr = ev.Err
		}
		proc, ch = w.process, w.channel
		w.channel = nil
		close(w.done)
		return true, proc, ch
	case ev.Type == EventConnected:
		w.state = StateReady
	}

	return false, nil, nil
}
