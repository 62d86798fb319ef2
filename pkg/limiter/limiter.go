package limiter

import (
	"time"

	"github.com/eapache/queue"
	"github.com/king1600/Valk/internal/reactor"
	"golang.org/x/time/rate"
)

// SendLimiter allows a fixed number of operations per duration without ever
// blocking the reactor. Operations over the limit are queued and released in
// submission order by a reactor timer. It must only be used on the reactor.
type SendLimiter struct {
	reactor *reactor.Reactor
	limiter *rate.Limiter

	pending *queue.Queue
	timer   *reactor.Timer
}

// NewSendLimiter creates a SendLimiter allowing limit operations every
// duration, starting with a full burst.
func NewSendLimiter(r *reactor.Reactor, limit int, duration time.Duration) *SendLimiter {
	return &SendLimiter{
		reactor: r,
		limiter: rate.NewLimiter(rate.Every(duration/time.Duration(limit)), limit),

		pending: queue.New(),
	}
}

// Do runs fn immediately if a slot is free and nothing is queued before it,
// otherwise fn runs on a later reactor iteration once a slot frees up.
func (l *SendLimiter) Do(fn func()) {
	if l.pending.Length() == 0 && l.limiter.AllowN(l.reactor.Now(), 1) {
		fn()

		return
	}

	l.pending.Add(fn)
	l.arm()
}

// Len returns how many operations are waiting.
func (l *SendLimiter) Len() int {
	return l.pending.Length()
}

// Reset drops every waiting operation.
func (l *SendLimiter) Reset() {
	l.timer.Stop()
	l.timer = nil

	for l.pending.Length() > 0 {
		l.pending.Remove()
	}
}

func (l *SendLimiter) arm() {
	if l.timer.Active() {
		return
	}

	now := l.reactor.Now()

	reservation := l.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	reservation.CancelAt(now)

	l.timer = l.reactor.Schedule(delay, l.release)
}

func (l *SendLimiter) release() {
	l.timer = nil

	for l.pending.Length() > 0 {
		if !l.limiter.AllowN(l.reactor.Now(), 1) {
			l.arm()

			return
		}

		fn, _ := l.pending.Remove().(func())
		fn()
	}
}
