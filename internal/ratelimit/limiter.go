// Package ratelimit is the admission gate in front of the model API. A
// rejected call is not queued or retried; the caller fails the request.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Limiter interface {
	// CheckLimit records an admission and returns true, or returns false
	// without recording anything.
	CheckLimit(ctx context.Context) bool
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

var SystemClock Clock = ClockFunc(time.Now)

type Config struct {
	MaxRequests int
	Window      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRequests: 10, Window: 60 * time.Second}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// Window is an in-process sliding window. State is lost on restart.
type Window struct {
	mu     sync.Mutex
	cfg    Config
	clock  Clock
	stamps []time.Time
}

func NewWindow(cfg Config, clock Clock) *Window {
	if clock == nil {
		clock = SystemClock
	}
	return &Window{cfg: cfg.normalized(), clock: clock}
}

func (w *Window) CheckLimit(ctx context.Context) bool {
	_ = ctx
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	// stamps are appended in order, so the stale ones are a prefix
	keep := 0
	for keep < len(w.stamps) && now.Sub(w.stamps[keep]) >= w.cfg.Window {
		keep++
	}
	w.stamps = w.stamps[keep:]

	if len(w.stamps) >= w.cfg.MaxRequests {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// InFlight reports how many admissions are still inside the window.
func (w *Window) InFlight() int {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, ts := range w.stamps {
		if now.Sub(ts) < w.cfg.Window {
			n++
		}
	}
	return n
}

// Unlimited admits everything.
type Unlimited struct{}

func (Unlimited) CheckLimit(context.Context) bool { return true }
