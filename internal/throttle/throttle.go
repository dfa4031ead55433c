// Package throttle rate-limits high-frequency local input (drag positions, cursor
// moves) without ever losing the last value of a burst.
package throttle

import "time"

const DefaultInterval = 50 * time.Millisecond

// Throttler forwards values to send at most once per interval. A value pushed too
// early is buffered and sent by a single deferred timer, which always carries the
// most recent value. Throttler is not safe for concurrent use; pair it with a Clock
// whose callbacks run on the owning goroutine (see Loop).
type Throttler[T any] struct {
	interval time.Duration
	clock    Clock
	send     func(T)

	lastSent time.Time
	sentOnce bool

	pending    T
	hasPending bool
	timer      Timer
	gen        uint64 // bumped whenever the armed timer is abandoned
}

func New[T any](interval time.Duration, clock Clock, send func(T)) *Throttler[T] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Throttler[T]{interval: interval, clock: clock, send: send}
}

// Push offers the latest value of the stream.
func (t *Throttler[T]) Push(v T) {
	now := t.clock.Now()
	elapsed := now.Sub(t.lastSent)
	if !t.sentOnce || elapsed >= t.interval {
		t.stopTimer()
		t.clearPending()
		t.emit(v, now)
		return
	}

	t.pending, t.hasPending = v, true
	if t.timer == nil {
		gen := t.gen
		t.timer = t.clock.AfterFunc(t.interval-elapsed, func() { t.fire(gen) })
	}
}

// Flush ends the stream: the armed timer is cancelled and a buffered value, if any,
// is sent right away. It reports whether something was sent.
func (t *Throttler[T]) Flush() bool {
	t.stopTimer()
	if !t.hasPending {
		return false
	}
	v := t.pending
	t.clearPending()
	t.emit(v, t.clock.Now())
	return true
}

// Cancel drops the buffered value and the armed timer without sending.
func (t *Throttler[T]) Cancel() {
	t.stopTimer()
	t.clearPending()
}

// Pending reports whether a deferred send is outstanding.
func (t *Throttler[T]) Pending() bool { return t.hasPending }

func (t *Throttler[T]) fire(gen uint64) {
	if gen != t.gen {
		return // stale: the timer was stopped after it was already queued
	}
	t.timer = nil
	t.gen++
	if !t.hasPending {
		return
	}
	v := t.pending
	t.clearPending()
	t.emit(v, t.clock.Now())
}

func (t *Throttler[T]) emit(v T, now time.Time) {
	t.lastSent, t.sentOnce = now, true
	t.send(v)
}

func (t *Throttler[T]) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.gen++
	}
}

func (t *Throttler[T]) clearPending() {
	var zero T
	t.pending, t.hasPending = zero, false
}
