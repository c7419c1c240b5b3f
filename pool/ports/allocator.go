package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	ErrPortExhausted = errors.New("no free port available in range")
	ErrInvalidRange  = errors.New("invalid port range")
)

// Claimer decides whether a port can be handed to a new worker.
type Claimer interface {
	Claim(port int) bool
}

// ClaimerFunc adapts a plain function to the Claimer interface.
type ClaimerFunc func(port int) bool

// Claim calls f(port).
func (f ClaimerFunc) Claim(port int) bool {
	return f(port)
}

// BindClaimer probes a port by binding it exclusively and releasing it
// straight away. Another process may grab the port before the worker binds
// it; that shows up later as a startup failure.
type BindClaimer struct {
	// Host is the interface to bind. Empty means all interfaces, which also
	// conflicts with listeners bound to a single address.
	Host string
}

// Claim reports whether the port could be bound.
func (b BindClaimer) Claim(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(b.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Allocator hands out ports from [base, base+width], scanning from a
// rotating cursor so a just-released port is not reused immediately.
type Allocator struct {
	base        int
	width       int
	maxAttempts int
	claimer     Claimer

	mu     sync.Mutex
	cursor int
}

// NewAllocator creates an allocator for the inclusive range [base, base+width].
func NewAllocator(base, width, maxAttempts int, claimer Claimer) (*Allocator, error) {
	if base <= 0 || width < 0 || base+width > 65535 {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, base, base+width)
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("%w: max attempts must be positive", ErrInvalidRange)
	}
	if claimer == nil {
		claimer = BindClaimer{}
	}

	return &Allocator{
		base:        base,
		width:       width,
		maxAttempts: maxAttempts,
		claimer:     claimer,
		cursor:      base,
	}, nil
}

// Allocate returns the first port at or after the cursor that is neither in
// excluded nor bound on the host. The cursor moves past the returned port.
func (a *Allocator) Allocate(excluded map[int]bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port := a.cursor
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if port > a.upper() {
			port = a.base
		}

		if !excluded[port] && a.claimer.Claim(port) {
			a.cursor = port + 1
			return port, nil
		}
		port++
	}

	return 0, fmt.Errorf("%w: %d candidates tried in %d-%d", ErrPortExhausted, a.maxAttempts, a.base, a.upper())
}

// Cursor returns the port the next scan starts from.
func (a *Allocator) Cursor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cursor > a.upper() {
		return a.base
	}
	return a.cursor
}

// Contains reports whether port lies in the managed range.
func (a *Allocator) Contains(port int) bool {
	return port >= a.base && port <= a.upper()
}

func (a *Allocator) upper() int {
	return a.base + a.width
}
