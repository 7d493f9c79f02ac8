package callleg

import (
	"sync/atomic"
	"time"
)

// DefaultExpiry is how long a call leg may go without a successful answer
// or join outcome before it is cleaned up locally.
const DefaultExpiry = 10 * time.Minute

const (
	watchdogArmed int32 = iota
	watchdogCancelled
	watchdogFired
)

// Watchdog is a single-shot timer that runs onExpire unless cancelled first.
// It ends in exactly one of two states: cancelled or fired.
type Watchdog struct {
	timer *time.Timer
	state atomic.Int32
}

// NewWatchdog arms a watchdog. onExpire runs on the timer's own goroutine.
func NewWatchdog(d time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{}
	w.timer = time.AfterFunc(d, func() {
		if !w.state.CompareAndSwap(watchdogArmed, watchdogFired) {
			return
		}
		onExpire()
	})
	return w
}

// Cancel stops the watchdog and reports whether it did so. It returns false
// when the watchdog was already cancelled or has fired.
func (w *Watchdog) Cancel() bool {
	if !w.state.CompareAndSwap(watchdogArmed, watchdogCancelled) {
		return false
	}
	w.timer.Stop()
	return true
}

// Cancelled reports whether Cancel stopped the watchdog before it fired.
func (w *Watchdog) Cancelled() bool {
	return w.state.Load() == watchdogCancelled
}

// Fired reports whether the watchdog expired.
func (w *Watchdog) Fired() bool {
	return w.state.Load() == watchdogFired
}
