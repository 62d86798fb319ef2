package rest

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eapache/queue"
	"github.com/king1600/Valk/internal/http1"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
)

const (
	GlobalRoute = "global"

	// DefaultRetryAfter is used when a 429 carries no usable wait.
	DefaultRetryAfter = time.Second
)

// RouteKey returns the bucket key of a request, made from the method and
// the first path segment, such as GET;/guilds.
func RouteKey(method, endpoint string) string {
	path, _, _ := strings.Cut(endpoint, "?")

	if len(path) > 1 {
		if i := strings.IndexByte(path[1:], '/'); i >= 0 {
			path = path[:i+1]
		}
	}

	return method + ";" + path
}

// Bucket gates the requests of one route. While limited, nothing in the
// bucket is sent and requests wait in submission order.
type Bucket struct {
	Key string

	limited bool
	resetAt time.Time
	timer   *reactor.Timer

	// retries hold requests rejected with a 429. They replay ahead of pending.
	retries []*request
	pending *queue.Queue
}

func newBucket(key string) *Bucket {
	return &Bucket{
		Key:     key,
		pending: queue.New(),
	}
}

func (b *Bucket) Limited() bool {
	return b.limited
}

// ResetAt returns when the current limit expires.
func (b *Bucket) ResetAt() time.Time {
	return b.resetAt
}

// Len returns how many requests are queued in the bucket.
func (b *Bucket) Len() int {
	return len(b.retries) + b.pending.Length()
}

func (b *Bucket) drain() []*request {
	requests := make([]*request, 0, b.Len())
	requests = append(requests, b.retries...)

	for b.pending.Length() > 0 {
		if req, ok := b.pending.Remove().(*request); ok {
			requests = append(requests, req)
		}
	}

	b.retries = nil

	return requests
}

// RateLimiter owns every route bucket and the global bucket. Buckets are
// created on first use and never removed. It must only be used on the reactor.
type RateLimiter struct {
	logger  zerolog.Logger
	reactor *reactor.Reactor

	buckets map[string]*Bucket
	global  *Bucket

	replay func(*request)
}

func NewRateLimiter(logger zerolog.Logger, r *reactor.Reactor, replay func(*request)) *RateLimiter {
	return &RateLimiter{
		logger:  logger,
		reactor: r,

		buckets: make(map[string]*Bucket),
		global:  newBucket(GlobalRoute),

		replay: replay,
	}
}

// Bucket returns the bucket for a route, creating it if needed.
func (rl *RateLimiter) Bucket(route string) *Bucket {
	bucket, ok := rl.buckets[route]
	if !ok {
		bucket = newBucket(route)
		rl.buckets[route] = bucket
	}

	return bucket
}

func (rl *RateLimiter) Global() *Bucket {
	return rl.global
}

// Admit reports if a request may be sent now. Otherwise it is queued on the
// global bucket, or on its route bucket, and replayed once that expires.
func (rl *RateLimiter) Admit(req *request) bool {
	if rl.global.limited {
		rl.global.pending.Add(req)

		return false
	}

	bucket := rl.Bucket(req.route)
	if bucket.limited {
		bucket.pending.Add(req)

		return false
	}

	return true
}

// Requeue puts a rejected request back at the front of its bucket.
func (rl *RateLimiter) Requeue(bucket *Bucket, req *request) {
	bucket.retries = append(bucket.retries, req)
}

// Limit marks the bucket limited for wait. A limit that expires earlier than
// the current one is ignored. When the limit expires every queued request is
// replayed in order.
func (rl *RateLimiter) Limit(bucket *Bucket, wait time.Duration) {
	if wait < 0 {
		wait = 0
	}

	resetAt := rl.reactor.Now().Add(wait)

	if bucket.limited && !resetAt.After(bucket.resetAt) {
		return
	}

	rl.logger.Warn().
		Str("route", bucket.Key).
		Dur("wait", wait).
		Int("queued", bucket.Len()).
		Msg("Bucket is being ratelimited")

	recordRatelimited(bucket.Key)

	bucket.limited = true
	bucket.resetAt = resetAt

	bucket.timer.Stop()
	bucket.timer = rl.reactor.Schedule(wait, func() {
		rl.release(bucket)
	})
}

func (rl *RateLimiter) release(bucket *Bucket) {
	bucket.limited = false
	bucket.timer = nil

	requests := bucket.drain()

	rl.logger.Debug().Str("route", bucket.Key).Int("replaying", len(requests)).Msg("Bucket limit expired")

	for _, req := range requests {
		rl.replay(req)
	}
}

// retryAfter works out how long a route must wait from the response headers:
// X-RateLimit-Reset (epoch seconds), X-RateLimit-Reset-After (seconds) and
// then Retry-After (milliseconds). A 429 body retry_after in seconds is the
// last resort.
func retryAfter(response *http1.Response, now time.Time) (time.Duration, bool) {
	if reset, ok := parseFloat(response.Header.Get("X-RateLimit-Reset")); ok {
		at := time.Unix(0, int64(reset*float64(time.Second)))

		return clampWait(at.Sub(now)), true
	}

	if resetAfter, ok := parseFloat(response.Header.Get("X-RateLimit-Reset-After")); ok {
		return clampWait(time.Duration(resetAfter * float64(time.Second))), true
	}

	if after, ok := parseFloat(response.Header.Get("Retry-After")); ok {
		return clampWait(time.Duration(after * float64(time.Millisecond))), true
	}

	if value, ok := valkjson.GetString(response.Body, "retry_after"); ok {
		if after, ok := parseFloat(value); ok {
			return clampWait(time.Duration(after * float64(time.Second))), true
		}
	}

	return 0, false
}

// exhausted reports if X-RateLimit-Remaining is present and below 1.
func exhausted(response *http1.Response) bool {
	remaining, ok := parseFloat(response.Header.Get("X-RateLimit-Remaining"))

	return ok && remaining < 1
}

// isGlobal reports if a response signals the global limit.
func isGlobal(response *http1.Response) bool {
	if strings.EqualFold(response.Header.Get("X-RateLimit-Global"), "true") {
		return true
	}

	value, ok := valkjson.GetString(response.Body, "global")

	return ok && strings.EqualFold(value, "true")
}

func parseFloat(value string) (float64, bool) {
	if value == "" {
		return 0, false
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return f, true
}

func clampWait(wait time.Duration) time.Duration {
	if wait < 0 {
		return 0
	}

	return wait
}
