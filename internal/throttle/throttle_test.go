package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recorder struct{ sent []int }

func (r *recorder) send(v int) { r.sent = append(r.sent, v) }

func newThrottler(t *testing.T) (*Throttler[int], *ManualClock, *recorder) {
	t.Helper()
	clock := NewManualClock(time.Unix(1000, 0))
	rec := &recorder{}
	return New(50*time.Millisecond, clock, rec.send), clock, rec
}

func TestThrottler_BurstSendsFirstAndLast(t *testing.T) {
	th, clock, rec := newThrottler(t)

	for i := 1; i <= 10; i++ {
		th.Push(i)
		if i < 10 {
			clock.Advance(time.Millisecond)
		}
	}
	assert.Equal(t, []int{1}, rec.sent, "only the leading value goes out immediately")
	assert.True(t, th.Pending())
	assert.Equal(t, 1, clock.Pending(), "at most one deferred send per stream")

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []int{1, 10}, rec.sent, "the deferred send carries the latest value")
	assert.False(t, th.Pending())
}

func TestThrottler_DeferredFiresAtIntervalBoundary(t *testing.T) {
	th, clock, rec := newThrottler(t)

	th.Push(1)
	clock.Advance(20 * time.Millisecond)
	th.Push(2)

	clock.Advance(29 * time.Millisecond)
	assert.Equal(t, []int{1}, rec.sent)

	clock.Advance(time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.sent)
}

func TestThrottler_SpacedPushesSendImmediately(t *testing.T) {
	th, clock, rec := newThrottler(t)
	for i := 1; i <= 3; i++ {
		th.Push(i)
		clock.Advance(50 * time.Millisecond)
	}
	assert.Equal(t, []int{1, 2, 3}, rec.sent)
	assert.Zero(t, clock.Pending())
}

func TestThrottler_FlushSendsPendingOnce(t *testing.T) {
	th, clock, rec := newThrottler(t)
	th.Push(1)
	clock.Advance(5 * time.Millisecond)
	th.Push(2)
	th.Push(3)

	assert.True(t, th.Flush())
	assert.Equal(t, []int{1, 3}, rec.sent)

	clock.Advance(time.Second)
	assert.Equal(t, []int{1, 3}, rec.sent, "flushed value must not be sent again by the timer")
	assert.False(t, th.Flush())
}

func TestThrottler_CancelDropsPending(t *testing.T) {
	th, clock, rec := newThrottler(t)
	th.Push(1)
	clock.Advance(time.Millisecond)
	th.Push(2)

	th.Cancel()
	clock.Advance(time.Second)
	assert.Equal(t, []int{1}, rec.sent)
}

func TestThrottler_StaleFireIsDropped(t *testing.T) {
	// Simulates a loop clock: the timer callback was already queued when Flush ran.
	var queued []func()
	clock := &queueClock{ManualClock: NewManualClock(time.Unix(0, 0)), queue: &queued}
	rec := &recorder{}
	th := New(50*time.Millisecond, clock, rec.send)

	th.Push(1)
	clock.Advance(time.Millisecond)
	th.Push(2)
	clock.Advance(time.Second) // timer fires, callback is only queued
	th.Flush()                 // sends 2
	for _, f := range queued {
		f()
	}
	assert.Equal(t, []int{1, 2}, rec.sent)
}

type queueClock struct {
	*ManualClock
	queue *[]func()
}

func (c *queueClock) AfterFunc(d time.Duration, f func()) Timer {
	return c.ManualClock.AfterFunc(d, func() { *c.queue = append(*c.queue, f) })
}
