package throttle

import "time"

type Timer interface {
	Stop() bool
}

// Clock supplies time and deferred callbacks to a Throttler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Loop returns a wall clock whose timer callbacks are handed to post instead of
// running on the timer goroutine. post is expected to enqueue f onto the event loop
// that owns the throttlers, so every throttler method runs on that one goroutine.
func Loop(post func(func())) Clock {
	return loopClock{post: post}
}

type loopClock struct {
	post func(func())
}

func (loopClock) Now() time.Time { return time.Now() }

func (c loopClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() { c.post(f) })
}
