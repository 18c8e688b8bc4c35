// Package clock abstracts timer arming so lifecycle code can be driven by a
// fake clock in tests. A Timer is a one-shot, cancelable task.
package clock

import "time"

// Clock provides current time and one-shot timer scheduling.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable one-shot task handle.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired
	// or was stopped.
	Stop() bool
}

type realClock struct{}

// New returns a Clock backed by the runtime timers.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }
