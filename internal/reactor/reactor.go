package reactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

var ErrReactorStopped = errors.New("reactor stopped")

// Reactor is a single goroutine scheduler. Every callback posted to it,
// either directly or through a Timer, runs on the goroutine calling Run
// in the order it was observed. Nothing posted to the reactor ever runs
// concurrently with anything else posted to it.
type Reactor struct {
	logger zerolog.Logger
	clock  clock.Clock

	tasksMu sync.Mutex
	tasks   *queue.Queue

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	running     *atomic.Bool
	stopOnce    sync.Once
	stoppedOnce sync.Once
}

// New creates a reactor. A nil clock uses the wall clock.
func New(logger zerolog.Logger, clk clock.Clock) *Reactor {
	if clk == nil {
		clk = clock.New()
	}

	return &Reactor{
		logger: logger.With().Str("component", "reactor").Logger(),
		clock:  clk,

		tasks: queue.New(),

		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),

		running: atomic.NewBool(false),
	}
}

// Clock returns the clock timers are scheduled against.
func (r *Reactor) Clock() clock.Clock {
	return r.clock
}

// Now returns the current time of the reactor clock.
func (r *Reactor) Now() time.Time {
	return r.clock.Now()
}

// Post queues fn to run on the next loop iteration. Safe to call from any goroutine.
func (r *Reactor) Post(fn func()) {
	if fn == nil {
		return
	}

	r.tasksMu.Lock()
	r.tasks.Add(fn)
	r.tasksMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Invoke runs fn on the reactor and waits for it to return.
func (r *Reactor) Invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	r.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrReactorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule runs fn on the reactor once delay has elapsed.
func (r *Reactor) Schedule(delay time.Duration, fn func()) *Timer {
	timer := &Timer{
		reactor:   r,
		cancelled: atomic.NewBool(false),
	}

	fire := func() {
		r.Post(func() {
			// Checked on the reactor so a Cancel made by an earlier callback always wins.
			if timer.cancelled.Swap(true) {
				return
			}

			fn()
		})
	}

	if delay <= 0 {
		fire()
	} else {
		timer.timer = r.clock.AfterFunc(delay, fire)
	}

	return timer
}

// Cancel stops a timer. The timer callback will never run after Cancel
// returns when called from the reactor.
func (r *Reactor) Cancel(timer *Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// Running reports if Run is currently looping.
func (r *Reactor) Running() bool {
	return r.running.Load()
}

// Run processes posted callbacks until the context is done or Stop is called.
// A reactor runs once. Calling Run after it returned gives ErrReactorStopped.
func (r *Reactor) Run(ctx context.Context) error {
	select {
	case <-r.stopped:
		return ErrReactorStopped
	default:
	}

	if !r.running.CompareAndSwap(false, true) {
		return errors.New("reactor already running")
	}

	defer r.running.Store(false)
	defer r.stoppedOnce.Do(func() { close(r.stopped) })

	r.logger.Debug().Msg("Reactor started")

	for {
		for {
			select {
			case <-r.stop:
				r.logger.Debug().Msg("Reactor stopped")

				return nil
			default:
			}

			fn, ok := r.next()
			if !ok {
				break
			}

			r.call(fn)
		}

		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("Reactor context done")

			return ctx.Err()
		case <-r.stop:
			r.logger.Debug().Msg("Reactor stopped")

			return nil
		case <-r.wake:
		}
	}
}

// Stop makes Run return after the callback currently running. Callbacks still
// queued are not run.
func (r *Reactor) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

func (r *Reactor) next() (func(), bool) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()

	if r.tasks.Length() == 0 {
		return nil, false
	}

	fn, _ := r.tasks.Remove().(func())

	return fn, true
}

func (r *Reactor) call(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("Recovered panic in reactor callback")
		}
	}()

	fn()
}
