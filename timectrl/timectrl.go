package timectrl

import (
	"context"
	"sync"
	"time"
)

// TTIClock is an interface for reading the current TTI. Schedulers and
// traffic drivers depend on it rather than on a concrete controller.
type TTIClock interface {
	// Now returns the current TTI.
	Now() TTI
	// Steps returns the number of advances since the clock was created.
	// Unlike Now it never wraps.
	Steps() uint64
}

// Clock is a wrap-around TTI counter. It is safe for concurrent readers;
// a single driver is expected to call Advance.
type Clock struct {
	mu    sync.RWMutex
	now   TTI
	steps uint64
}

// NewClock returns a clock positioned at start.
func NewClock(start TTI) *Clock {
	return &Clock{now: NewTTI(uint32(start))}
}

// Now returns the current TTI. Implements TTIClock.
func (c *Clock) Now() TTI {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Steps implements TTIClock.
func (c *Clock) Steps() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.steps
}

// Advance moves the clock forward one TTI, wrapping at Horizon, and
// returns the new value.
func (c *Clock) Advance() TTI {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Next()
	c.steps++
	return c.now
}

// Set repositions the clock without touching the step counter.
func (c *Clock) Set(t TTI) {
	c.mu.Lock()
	c.now = NewTTI(uint32(t))
	c.mu.Unlock()
}

// Mode describes how the TimeController paces TTIs.
type Mode int

const (
	// RealTime advances one TTI per Period of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners return.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// DefaultPeriod is the LTE subframe duration.
const DefaultPeriod = time.Millisecond

// TimeController drives a Clock and notifies registered listeners once per
// TTI. Listeners run on the controller goroutine, in registration order,
// before the clock advances, so everything a listener does for TTI n is
// complete before TTI n+1 starts.
type TimeController struct {
	Period time.Duration
	Mode   Mode

	clock *Clock

	mu        sync.Mutex
	listeners []func(TTI)
}

// NewTimeController constructs a controller over clock.
func NewTimeController(clock *Clock, period time.Duration, mode Mode) *TimeController {
	if clock == nil {
		clock = NewClock(0)
	}
	if period <= 0 {
		period = DefaultPeriod
	}
	return &TimeController{
		Period: period,
		Mode:   mode,
		clock:  clock,
	}
}

// Clock returns the underlying clock.
func (tc *TimeController) Clock() *Clock {
	return tc.clock
}

// Now implements TTIClock.
func (tc *TimeController) Now() TTI { return tc.clock.Now() }

// Steps implements TTIClock.
func (tc *TimeController) Steps() uint64 { return tc.clock.Steps() }

// AddListener registers a callback invoked on every TTI.
func (tc *TimeController) AddListener(fn func(TTI)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller for ttis TTIs (forever when ttis <= 0) in a
// separate goroutine. It returns a channel that is closed when the
// controller finishes or ctx is cancelled.
func (tc *TimeController) Start(ctx context.Context, ttis int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Period)
			defer ticker.Stop()
			tick = ticker.C
		}

		for n := 0; ttis <= 0 || n < ttis; n++ {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}

			now := tc.clock.Now()
			tc.mu.Lock()
			listeners := append([]func(TTI){}, tc.listeners...)
			tc.mu.Unlock()
			for _, fn := range listeners {
				fn(now)
			}
			tc.clock.Advance()
		}
	}()
	return done
}
