package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock is an interface for reading the controller's clock. Components
// that only need the time (autosave, snapshot stamps) depend on this
// rather than the concrete controller.
type SimClock interface {
	// Now returns the time of the most recent tick.
	Now() time.Time
}

// Mode describes how the TimeController paces ticks.
type Mode int

const (
	// RealTime fires one tick per Tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated fires ticks back to back while still stepping the clock
	// by Tick.
	Accelerated
)

// DefaultTick is the interval between universe updates in a running
// server.
const DefaultTick = time.Second

// TimeController drives the simulation loop and notifies registered
// listeners once per tick. Each listener typically runs one Universe
// update.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime is advanced by Tick on every tick.
	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller. A non-positive tick falls
// back to DefaultTick.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current controller time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock, e.g. after a snapshot restore. Ticks continue
// from the new time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick. Listeners run
// on the controller goroutine, in registration order.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Start runs the controller in a separate goroutine until ctx is done or,
// when duration is positive, until duration of clock time has elapsed.
// It returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		elapsed := time.Duration(0)

		var tickC <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tickC = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if tickC != nil {
				select {
				case <-ctx.Done():
					return
				case <-tickC:
				}
			} else if ctx.Err() != nil {
				return
			}
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = tc.currentTime.Add(tc.Tick)
			now := tc.currentTime
			listeners := tc.listeners
			tc.mu.Unlock()

			for _, fn := range listeners {
				fn(now)
			}
		}
	}()
	return done
}
