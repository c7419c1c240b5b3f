package worker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
)

// HTTPProber treats any HTTP response from the health path as ready; the
// status code and body are ignored.
type HTTPProber struct {
	Client       *http.Client
	Host         string
	Path         string
	InitialDelay time.Duration
	Interval     time.Duration
	// MaxInterval caps the poll interval. Equal to Interval means a fixed cadence.
	MaxInterval time.Duration
	Timeout     time.Duration
}

// NewHTTPProber returns a prober with the default cadence: 3s bootstrap
// delay, a poll every second, 45s overall.
func NewHTTPProber(host, path string) *HTTPProber {
	return &HTTPProber{
		Client:       &http.Client{Timeout: 2 * time.Second},
		Host:         host,
		Path:         path,
		InitialDelay: 3 * time.Second,
		Interval:     time.Second,
		MaxInterval:  time.Second,
		Timeout:      45 * time.Second,
	}
}

// URL returns the health URL for port.
func (p *HTTPProber) URL(port int) string {
	return "http://" + net.JoinHostPort(p.Host, strconv.Itoa(port)) + p.Path
}

// AwaitReady blocks until the worker responds or the timeout elapses.
func (p *HTTPProber) AwaitReady(ctx context.Context, port int) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	if err := sleepCtx(ctx, p.InitialDelay); err != nil {
		return p.failure(ctx, port)
	}

	b := &backoff.Backoff{
		Min:    p.Interval,
		Max:    p.MaxInterval,
		Factor: 2,
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}

	url := p.URL(port)
	for {
		if p.probe(ctx, url) {
			return nil
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return p.failure(ctx, port)
		}
	}
}

func (p *HTTPProber) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (p *HTTPProber) failure(ctx context.Context, port int) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: port %d after %s", ErrStartupTimeout, port, p.Timeout)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
