// Package clock abstracts wall-clock time so timer-driven code can be
// driven by a virtual clock in tests.
package clock

import (
	"time"
)

// Clock tells the time and schedules callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer, false if it already fired or was stopped.
	Stop() bool
}

type clock struct{}

// New returns a Clock backed by the time package.
func New() Clock {
	return clock{}
}

func (clock) Now() time.Time {
	return time.Now()
}

func (clock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
