// Package timer provides the one-shot alarm abstraction the sender and
// receiver state machines use for their retransmission and inactivity
// timers. A callback-driven time.Timer lets the host schedule the fire
// instead of polling an expired flag; callbacks enqueue work and never
// block.
package timer

import "time"

// Alarm is a single-fire, resettable timer. The zero value is not usable;
// construct with New.
type Alarm struct {
	duration time.Duration
	timer    *time.Timer
	fn       func()
	running  bool
}

// New creates an Alarm with the given duration that invokes fn when it
// fires. The alarm does not start counting down until Reset is called.
func New(d time.Duration, fn func()) *Alarm {
	return &Alarm{duration: d, fn: fn}
}

// Reset (re)starts the alarm from zero, stopping any previous pending fire.
func (a *Alarm) Reset() {
	a.Stop()
	a.timer = time.AfterFunc(a.duration, a.fn)
	a.running = true
}

// Stop cancels a pending fire. It is safe to call on an alarm that was
// never started or already fired.
func (a *Alarm) Stop() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.running = false
}

// Running reports whether the alarm is currently counting down.
func (a *Alarm) Running() bool { return a.running }
