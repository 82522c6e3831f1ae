// Package schedule tracks the set of deadlines a poll-driven component
// is currently waiting on (slot timeout, GAP wait, watchdog, ...) and
// reduces them to the single next-wake hint poll returns to its
// caller.
//
// Wheel never spawns a background goroutine that drives behavior: the
// authoritative answer to "has this deadline passed" is always a
// synchronous comparison against the now supplied by the caller's next
// poll call -- no background task drives behavior; the mutex only
// guards the map against the timers' job funcs. It wraps
// github.com/thinkgos/timing/v3 to get a named, cancellable timer per
// deadline, but the timer's job func only marks a diagnostic "fired"
// flag; it is never load-bearing for correctness.
package schedule

import (
	"sync"
	"time"

	"github.com/thinkgos/timing/v3"
)

// Wheel holds zero or more named pending deadlines.
type Wheel struct {
	mu       sync.Mutex
	pending  map[string]*entry
}

type entry struct {
	deadline time.Time
	timer    *timing.Timer
	fired    bool
}

// NewWheel returns an empty Wheel.
func NewWheel() *Wheel {
	return &Wheel{pending: make(map[string]*entry)}
}

// Set arms (or re-arms) the named deadline for d from now.
func (w *Wheel) Set(now time.Time, name string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.pending[name]; ok {
		timing.Del(e.timer)
	}

	e := &entry{deadline: now.Add(d)}
	e.timer = timing.NewTimer()
	e.timer.WithJobFunc(func() {
		w.mu.Lock()
		if cur, ok := w.pending[name]; ok && cur == e {
			cur.fired = true
		}
		w.mu.Unlock()
	})
	timing.Add(e.timer, d)
	w.pending[name] = e
}

// Clear disarms the named deadline, if any.
func (w *Wheel) Clear(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.pending[name]; ok {
		timing.Del(e.timer)
		delete(w.pending, name)
	}
}

// Expired reports whether the named deadline has passed as of now. A
// deadline that was never Set is never expired.
func (w *Wheel) Expired(now time.Time, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.pending[name]
	if !ok {
		return false
	}
	return !now.Before(e.deadline)
}

// NextDeadline returns the earliest pending deadline, if any. The
// caller (ActiveStation.Poll) folds this into the next_wake hint it
// returns to its own caller.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best time.Time
	found := false
	for _, e := range w.pending {
		if !found || e.deadline.Before(best) {
			best = e.deadline
			found = true
		}
	}
	return best, found
}

// Reap drops deadlines whose timer has already fired, keeping the map
// from growing unboundedly across many poll cycles. A reaped deadline
// is no longer pending: Expired then reports false for it, as for a
// name that was never Set, and NextDeadline no longer returns it.
func (w *Wheel) Reap() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, e := range w.pending {
		if e.fired {
			delete(w.pending, name)
		}
	}
}
