// Package workertest provides in-memory stand-ins for worker processes,
// readiness probes and call channels.
package workertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wricardo/mcp-pool/pool/worker"
)

// Process is a fake worker process.
type Process struct {
	PID int

	mu      sync.Mutex
	killed  bool
	KillErr error
}

func (p *Process) Pid() int { return p.PID }

func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return p.KillErr
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Launcher records launches and lets tests emit events for a port.
type Launcher struct {
	Err error

	mu        sync.Mutex
	nextPID   int
	launched  []int
	processes map[int]*Process
	emitters  map[int]func(worker.Event)
}

// NewLauncher creates a launcher whose pids start at 1000.
func NewLauncher() *Launcher {
	return &Launcher{
		nextPID:   1000,
		processes: make(map[int]*Process),
		emitters:  make(map[int]func(worker.Event)),
	}
}

func (l *Launcher) Launch(port int, emit func(worker.Event)) (worker.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}

	l.nextPID++
	p := &Process{PID: l.nextPID}
	l.launched = append(l.launched, port)
	l.processes[port] = p
	l.emitters[port] = emit
	return p, nil
}

// Launched returns every port passed to Launch, in order.
func (l *Launcher) Launched() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.launched...)
}

// Process returns the latest process launched on port.
func (l *Launcher) Process(port int) *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processes[port]
}

// Exit simulates the process on port exiting by itself.
func (l *Launcher) Exit(port int, err error) {
	l.mu.Lock()
	emit := l.emitters[port]
	l.mu.Unlock()

	if emit != nil {
		emit(worker.Event{Type: worker.EventExited, Port: port, Err: err})
	}
}

// Output simulates a line of process output.
func (l *Launcher) Output(port int, stream, line string) {
	l.mu.Lock()
	emit := l.emitters[port]
	l.mu.Unlock()

	if emit != nil {
		emit(worker.Event{Type: worker.EventOutput, Port: port, Stream: stream, Line: line})
	}
}

// Prober answers readiness with a fixed error, optionally per port.
type Prober struct {
	Err    error
	ByPort map[int]error
	// Hook runs before the answer, e.g. to simulate an exit during startup.
	Hook func(port int)
}

func (p *Prober) AwaitReady(ctx context.Context, port int) error {
	if p.Hook != nil {
		p.Hook(port)
	}
	if err, ok := p.ByPort[port]; ok {
		return err
	}
	if p.Err != nil {
		return p.Err
	}
	return ctx.Err()
}

// Connector hands out Channels built by NewChannel, or a fixed error.
type Connector struct {
	Err        error
	NewChannel func(port int) worker.Channel

	mu       sync.Mutex
	channels map[int]*Channel
}

func (c *Connector) Connect(ctx context.Context, port int) (worker.Channel, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if c.NewChannel != nil {
		return c.NewChannel(port), nil
	}

	ch := &Channel{}
	c.mu.Lock()
	if c.channels == nil {
		c.channels = make(map[int]*Channel)
	}
	c.channels[port] = ch
	c.mu.Unlock()
	return ch, nil
}

// Channel returns the default channel created for port.
func (c *Connector) Channel(port int) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[port]
}

// Channel is a scripted call channel.
type Channel struct {
	// Handle answers calls; the default echoes the tool name as text.
	Handle   func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	CloseErr error

	mu     sync.Mutex
	calls  []string
	closed bool
}

func (c *Channel) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.Params.Name)
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil, errors.New("channel closed")
	}
	if c.Handle != nil {
		return c.Handle(ctx, req)
	}
	return mcp.NewToolResultText(req.Params.Name), nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.CloseErr
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Calls returns the tool names called so far.
func (c *Channel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
