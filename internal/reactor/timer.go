package reactor

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// Timer is a cancellable one-shot callback bound to a Reactor.
type Timer struct {
	reactor   *Reactor
	timer     *clock.Timer
	cancelled *atomic.Bool
}

// Stop cancels the timer. It returns false if the callback already ran or
// the timer was already stopped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	if t.cancelled.Swap(true) {
		return false
	}

	if t.timer != nil {
		t.timer.Stop()
	}

	return true
}

// Active reports if the timer has neither fired nor been cancelled.
func (t *Timer) Active() bool {
	return t != nil && !t.cancelled.Load()
}
