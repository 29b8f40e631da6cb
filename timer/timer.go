// Package timer implements the lightweight periodic-callback component
// described in §4.7: not a stability-critical scheduler, just a
// monotonic-clock comparison chained forward on every expiry.
package timer

import (
	"sync/atomic"
	"time"
)

// Event describes one expiry: the interval boundary that was expected, the
// next one chained forward from it, the real time observed at the previous
// and current expiry, and the real duration that elapsed between them.
type Event struct {
	LastExpected    time.Time
	CurrentExpected time.Time
	LastReal        time.Time
	CurrentReal     time.Time
	LastDuration    time.Duration
}

// Callback is invoked once per expiry with the Event describing it.
type Callback func(Event)

// Timer invokes Callback roughly every Interval, chaining its expected
// boundary forward without correcting for drift.
type Timer struct {
	interval time.Duration
	callback Callback

	lastExpected time.Time
	lastReal     time.Time

	shutdown atomic.Bool
}

// New constructs a Timer whose initial boundary is the construction time;
// the first SpinOnce call fires once more than interval has passed since.
func New(interval time.Duration, callback Callback) *Timer {
	now := time.Now()
	return &Timer{
		interval:     interval,
		callback:     callback,
		lastExpected: now,
		lastReal:     now,
	}
}

// OK reports whether the timer has not been shut down.
func (t *Timer) OK() bool { return !t.shutdown.Load() }

// SpinOnce reads the clock; if more than Interval has elapsed since the last
// real expiry, Callback is invoked with the resulting Event, the expected
// boundary advances by exactly one Interval, and the real boundary moves to
// the current time.
func (t *Timer) SpinOnce() {
	if t.shutdown.Load() {
		return
	}
	now := time.Now()
	if now.Sub(t.lastReal) <= t.interval {
		return
	}
	currentExpected := t.lastExpected.Add(t.interval)
	event := Event{
		LastExpected:    t.lastExpected,
		CurrentExpected: currentExpected,
		LastReal:        t.lastReal,
		CurrentReal:     now,
		LastDuration:    now.Sub(t.lastReal),
	}
	t.lastExpected = currentExpected
	t.lastReal = now
	if t.callback != nil {
		t.callback(event)
	}
}

// Shutdown stops future SpinOnce calls from firing.
func (t *Timer) Shutdown() { t.shutdown.Store(true) }
