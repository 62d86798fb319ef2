package rest

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eapache/queue"
	"github.com/king1600/Valk/internal/http1"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/internal/transport"
	"github.com/king1600/Valk/pkg/uri"
	"github.com/king1600/Valk/valkjson"
	"github.com/rs/zerolog"
	gotils "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
)

const (
	DefaultBaseURL    = "https://discord.com/api"
	DefaultAPIVersion = 10
	DefaultUserAgent  = "DiscordBot (https://github.com/king1600/Valk, 1.0.0)"

	DefaultReconnectDelay = time.Second

	// Payloads this size or smaller are sent uncompressed.
	compressThreshold = 4
)

// Callback receives the response of a request. err is set for transport
// failures and non-2xx statuses. response may be nil when err is set.
type Callback func(response *http1.Response, err error)

type Options struct {
	Token      string
	BaseURL    string
	APIVersion int
	UserAgent  string

	// DisableRequestCompression sends request bodies as plain JSON. Bodies
	// larger than a few bytes are gzipped otherwise.
	DisableRequestCompression bool

	TLSConfig      *tls.Config
	ReconnectDelay time.Duration
}

type request struct {
	method   string
	endpoint string
	route    string
	payload  []byte
	callback Callback
}

// complete hands the response to the request owner. It runs at most once.
func (req *request) complete(response *http1.Response, err error) {
	callback := req.callback
	req.callback = nil

	if callback != nil {
		callback(response, err)
	}
}

type outgoing struct {
	data []byte
	req  *request
}

// Client issues REST requests over a single keep-alive connection. Responses
// are matched to requests in the order they were written. Every method must
// be called on the reactor, use Schedule to reach it from other goroutines.
type Client struct {
	logger  zerolog.Logger
	reactor *reactor.Reactor
	options Options

	base    uri.Endpoint
	limiter *RateLimiter

	transport *transport.Transport
	parser    *http1.Parser

	// outbox holds requests that have not reached an open connection yet.
	outbox *queue.Queue
	// inflight holds written requests in the order their responses are due.
	inflight *queue.Queue
	cookies  []string

	closing    bool
	everOpened bool

	Connected  *atomic.Bool
	Reconnects *atomic.Int32
}

func NewClient(logger zerolog.Logger, r *reactor.Reactor, options Options) (*Client, error) {
	if options.BaseURL == "" {
		options.BaseURL = DefaultBaseURL
	}

	if options.APIVersion == 0 {
		options.APIVersion = DefaultAPIVersion
	}

	if options.UserAgent == "" {
		options.UserAgent = DefaultUserAgent
	}

	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}

	base, err := uri.Parse(options.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}

	client := &Client{
		logger:  logger.With().Str("component", "rest").Logger(),
		reactor: r,
		options: options,

		base:     base,
		outbox:   queue.New(),
		inflight: queue.New(),

		Connected:  atomic.NewBool(false),
		Reconnects: atomic.NewInt32(0),
	}

	client.limiter = NewRateLimiter(client.logger, r, client.submit)
	client.parser = http1.NewParser()

	client.parser.OnHeader(client.onHeader)
	client.parser.OnError(func(err error) {
		client.logger.Warn().Err(err).Msg("Dropped malformed response data")
	})

	return client, nil
}

// Limiter exposes the route buckets.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

// Schedule runs fn on the reactor of the client. Use it to issue requests
// from other goroutines.
func (c *Client) Schedule(fn func()) {
	c.reactor.Post(fn)
}

func (c *Client) Get(endpoint string, callback Callback) {
	c.Request(http.MethodGet, endpoint, nil, callback)
}

func (c *Client) Post(endpoint string, payload any, callback Callback) {
	c.Request(http.MethodPost, endpoint, payload, callback)
}

func (c *Client) Put(endpoint string, payload any, callback Callback) {
	c.Request(http.MethodPut, endpoint, payload, callback)
}

func (c *Client) Patch(endpoint string, payload any, callback Callback) {
	c.Request(http.MethodPatch, endpoint, payload, callback)
}

func (c *Client) Delete(endpoint string, callback Callback) {
	c.Request(http.MethodDelete, endpoint, nil, callback)
}

// Request queues a request. The callback runs on the reactor once a
// response arrives. Rate limited requests are held back and replayed in
// submission order, a 429 never reaches the callback.
func (c *Client) Request(method, endpoint string, payload any, callback Callback) {
	if c.closing {
		if callback != nil {
			callback(nil, ErrClientClosed)
		}

		return
	}

	if !strings.HasPrefix(endpoint, "/") {
		if callback != nil {
			callback(nil, fmt.Errorf("%w: %q", ErrInvalidRoute, endpoint))
		}

		return
	}

	body, err := encodePayload(payload)
	if err != nil {
		if callback != nil {
			callback(nil, fmt.Errorf("failed to marshal payload: %w", err))
		}

		return
	}

	c.submit(&request{
		method:   method,
		endpoint: endpoint,
		route:    RouteKey(method, endpoint),
		payload:  body,
		callback: callback,
	})
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case valkjson.RawMessage:
		return p, nil
	default:
		return valkjson.Marshal(payload)
	}
}

func (c *Client) submit(req *request) {
	if c.closing {
		req.complete(nil, ErrClientClosed)

		return
	}

	if !c.limiter.Admit(req) {
		c.logger.Debug().Str("route", req.route).Msg("Request queued behind rate limit")

		return
	}

	data, err := c.serialize(req)
	if err != nil {
		req.complete(nil, err)

		return
	}

	c.write(&outgoing{data: data, req: req})
}

func (c *Client) serialize(req *request) ([]byte, error) {
	header := http.Header{}
	header.Set("Authorization", "Bot "+c.options.Token)
	header.Set("User-Agent", c.options.UserAgent)
	header.Set("Accept", "*/*")
	header.Set("Accept-Encoding", "gzip")
	header.Set("Connection", "keep-alive")

	if len(c.cookies) > 0 {
		header.Set("Cookie", strings.Join(c.cookies, "; "))
	}

	body := req.payload

	if len(body) > 0 {
		header.Set("Content-Type", "application/json")

		if !c.options.DisableRequestCompression && len(body) > compressThreshold {
			compressed, err := http1.Gzip(body)
			if err != nil {
				return nil, fmt.Errorf("failed to compress payload: %w", err)
			}

			header.Set("Content-Encoding", "gzip")

			body = compressed
		}
	}

	return http1.AppendRequest(nil, &http1.Request{
		Method: req.method,
		Target: c.target(req.endpoint),
		Host:   c.base.HostHeader(),
		Header: header,
		Body:   body,
	}), nil
}

func (c *Client) target(endpoint string) string {
	return strings.TrimSuffix(c.base.Path(), "/") + "/v" + strconv.Itoa(c.options.APIVersion) + endpoint
}

// write sends out or queues it until the next connection. It returns false
// when out was queued.
func (c *Client) write(out *outgoing) bool {
	if !c.Connected.Load() {
		c.outbox.Add(out)
		c.connect()

		return false
	}

	if c.logger.GetLevel() <= zerolog.TraceLevel {
		c.logger.Trace().Str("request", gotils.B2S(out.data)).Msg("Sending request")
	}

	err := c.transport.Send(out.data)
	if err != nil {
		// The transport closed before its close callback ran. The request was
		// never written, so it goes out first on the next connection.
		c.logger.Debug().Err(err).Msg("Connection closing, requeued request")

		c.Connected.Store(false)
		c.requeue(out)

		return false
	}

	c.inflight.Add(out.req)
	c.parser.Expect(c.onResponse)

	return true
}

// requeue puts out at the head of the outbox.
func (c *Client) requeue(out *outgoing) {
	outbox := queue.New()
	outbox.Add(out)

	for c.outbox.Length() > 0 {
		outbox.Add(c.outbox.Remove())
	}

	c.outbox = outbox
}

func (c *Client) onResponse(response *http1.Response) {
	req, _ := c.inflight.Remove().(*request)
	if req != nil {
		c.handle(req, response)
	}
}

func (c *Client) handle(req *request, response *http1.Response) {
	recordResponse(req.route, response.StatusCode)

	bucket := c.limiter.Bucket(req.route)
	global := isGlobal(response)

	if response.StatusCode == http.StatusTooManyRequests {
		wait, ok := retryAfter(response, c.reactor.Now())
		if !ok {
			wait = DefaultRetryAfter
		}

		c.logger.Warn().Str("route", req.route).Bool("global", global).Dur("wait", wait).Msg("Request was ratelimited")

		if global {
			c.limiter.Limit(c.limiter.Global(), wait)
		}

		c.limiter.Limit(bucket, wait)
		c.limiter.Requeue(bucket, req)

		return
	}

	if exhausted(response) {
		if wait, ok := retryAfter(response, c.reactor.Now()); ok {
			if global {
				c.limiter.Limit(c.limiter.Global(), wait)
			}

			c.limiter.Limit(bucket, wait)
		}
	}

	if !response.OK() {
		req.complete(response, newRestError(req.method, req.endpoint, response.StatusCode, response.Body))

		return
	}

	req.complete(response, nil)
}

func (c *Client) onHeader(key, value string) {
	if !strings.EqualFold(key, "Set-Cookie") {
		return
	}

	cookie, _, _ := strings.Cut(value, ";")
	name, _, _ := strings.Cut(cookie, "=")

	for i, existing := range c.cookies {
		if strings.HasPrefix(existing, name+"=") {
			c.cookies[i] = cookie

			return
		}
	}

	c.cookies = append(c.cookies, cookie)
}

// Connect opens the connection if there is none. Requests connect lazily.
func (c *Client) Connect() {
	c.connect()
}

func (c *Client) connect() {
	if c.closing || c.transport != nil {
		return
	}

	tr := transport.New(c.logger, c.reactor, transport.Options{
		TLSConfig: c.options.TLSConfig,
		Plaintext: !c.base.Secure(),
	})

	c.transport = tr

	opened := false

	tr.OnConnect(func() {
		if c.transport != tr {
			return
		}

		opened = true

		if c.everOpened {
			c.Reconnects.Inc()
			Metrics.Reconnects.Inc()
		}

		c.everOpened = true
		c.Connected.Store(true)

		c.logger.Debug().Int("queued", c.outbox.Length()).Msg("Connected")

		c.flush()
	})

	tr.OnRead(func(data []byte) {
		if c.transport == tr {
			c.parser.Feed(data)
		}
	})

	tr.OnClose(func(err error) {
		if c.transport != tr {
			return
		}

		c.disconnected(err, opened)
	})

	err := tr.Connect(c.base.Host(), c.base.Port())
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to start connection")
	}
}

func (c *Client) flush() {
	for c.outbox.Length() > 0 && c.Connected.Load() {
		out, _ := c.outbox.Remove().(*outgoing)
		if !c.write(out) {
			return
		}
	}
}

func (c *Client) disconnected(err error, opened bool) {
	c.transport = nil
	c.Connected.Store(false)

	c.parser.Reset()

	c.logger.Debug().Err(err).Int("inflight", c.inflight.Length()).Msg("Connection closed")

	// Requests already written may or may not have been processed, so they
	// are failed rather than sent twice.
	reason := ErrConnectionLost
	if c.closing {
		reason = ErrClientClosed
	}

	for c.inflight.Length() > 0 {
		if req, ok := c.inflight.Remove().(*request); ok {
			req.complete(nil, reason)
		}
	}

	if c.closing {
		return
	}

	if opened {
		c.reactor.Post(c.connect)

		return
	}

	c.logger.Warn().Err(err).Dur("delay", c.options.ReconnectDelay).Msg("Failed to connect, retrying")

	c.reactor.Schedule(c.options.ReconnectDelay, c.connect)
}

// Close closes the connection and fails every request that has not completed.
func (c *Client) Close() {
	if c.closing {
		return
	}

	c.closing = true

	for c.outbox.Length() > 0 {
		if out, ok := c.outbox.Remove().(*outgoing); ok {
			out.req.complete(nil, ErrClientClosed)
		}
	}

	for _, bucket := range c.limiter.buckets {
		bucket.timer.Stop()

		for _, req := range bucket.drain() {
			req.complete(nil, ErrClientClosed)
		}
	}

	c.limiter.global.timer.Stop()

	for _, req := range c.limiter.global.drain() {
		req.complete(nil, ErrClientClosed)
	}

	if c.transport != nil {
		c.transport.Close(ErrClientClosed)
	}
}
