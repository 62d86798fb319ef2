package rest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/king1600/Valk/internal/http1"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	endpoint string
	response *http1.Response
	err      error
}

type harness struct {
	t       *testing.T
	reactor *reactor.Reactor
	mock    *clock.Mock
	client  *Client
	results chan result
}

func newHarness(t *testing.T, baseURL string, options Options) *harness {
	t.Helper()

	mock := clock.NewMock()
	r := reactor.New(zerolog.Nop(), mock)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = r.Run(ctx)
	}()

	options.BaseURL = baseURL + "/api"
	options.ReconnectDelay = 10 * time.Millisecond

	if options.Token == "" {
		options.Token = "token"
	}

	client, err := NewClient(zerolog.Nop(), r, options)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		reactor: r,
		mock:    mock,
		client:  client,
		results: make(chan result, 32),
	}

	t.Cleanup(func() {
		_ = r.Invoke(context.Background(), client.Close)
		cancel()
	})

	return h
}

func (h *harness) invoke(fn func()) {
	h.t.Helper()

	require.NoError(h.t, h.reactor.Invoke(context.Background(), fn))
}

func (h *harness) request(method, endpoint string, payload any) {
	h.invoke(func() {
		h.client.Request(method, endpoint, payload, func(response *http1.Response, err error) {
			h.results <- result{endpoint: endpoint, response: response, err: err}
		})
	})
}

func (h *harness) next() result {
	h.t.Helper()

	select {
	case res := <-h.results:
		return res
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for response")

		return result{}
	}
}

func (h *harness) expectNone(wait time.Duration) {
	h.t.Helper()

	select {
	case res := <-h.results:
		h.t.Fatalf("unexpected response for %s", res.endpoint)
	case <-time.After(wait):
	}
}

// advance moves the mock clock and gives fired timers a moment to reach the reactor.
func (h *harness) advance(d time.Duration) {
	h.mock.Add(d)
	time.Sleep(10 * time.Millisecond)
}

type recordingServer struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

func (s *recordingServer) record(r *http.Request) int {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r)
	s.bodies = append(s.bodies, body)

	return len(s.requests)
}

func (s *recordingServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		paths = append(paths, r.URL.Path)
	}

	return paths
}

func TestRequestHeadersAndCompression(t *testing.T) {
	recorder := &recordingServer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if recorder.record(r) == 1 {
			w.Header().Add("Set-Cookie", "__dcfduid=abc; Path=/; HttpOnly")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{Token: "secret"})

	h.request(http.MethodPost, "/channels/1/messages", map[string]string{"content": "hello"})

	res := h.next()
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.response.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(res.response.Body))

	h.request(http.MethodGet, "/users/@me", nil)
	require.NoError(t, h.next().err)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	require.Len(t, recorder.requests, 2)

	first := recorder.requests[0]
	assert.Equal(t, "/api/v10/channels/1/messages", first.URL.Path)
	assert.Equal(t, "Bot secret", first.Header.Get("Authorization"))
	assert.Equal(t, DefaultUserAgent, first.Header.Get("User-Agent"))
	assert.Equal(t, "gzip", first.Header.Get("Accept-Encoding"))
	assert.Equal(t, "gzip", first.Header.Get("Content-Encoding"))
	assert.Equal(t, "application/json", first.Header.Get("Content-Type"))

	reader, err := gzip.NewReader(bytes.NewReader(recorder.bodies[0]))
	require.NoError(t, err)

	body, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hello"}`, string(body))

	second := recorder.requests[1]
	assert.Equal(t, "/api/v10/users/@me", second.URL.Path)
	assert.Equal(t, "__dcfduid=abc", second.Header.Get("Cookie"))
	assert.Empty(t, recorder.bodies[1])
}

func TestRequestCompressionCanBeDisabled(t *testing.T) {
	recorder := &recordingServer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.record(r)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{DisableRequestCompression: true})

	h.request(http.MethodPost, "/channels/1/messages", map[string]string{"content": "hello"})
	require.NoError(t, h.next().err)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()

	assert.Empty(t, recorder.requests[0].Header.Get("Content-Encoding"))
	assert.JSONEq(t, `{"content":"hello"}`, string(recorder.bodies[0]))
}

func TestRateLimitRetryAfterReplaysInOrder(t *testing.T) {
	recorder := &recordingServer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if recorder.record(r) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "1000")
		}

		_, _ = w.Write([]byte(`{"id":"` + path.Base(r.URL.Path) + `"}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/channels/1", nil)

	first := h.next()
	require.NoError(t, first.err)
	assert.Equal(t, "/channels/1", first.endpoint)

	h.invoke(func() {
		assert.True(t, h.client.Limiter().Bucket("GET;/channels").Limited())
	})

	h.request(http.MethodGet, "/channels/2", nil)
	h.request(http.MethodGet, "/channels/3", nil)
	h.request(http.MethodGet, "/channels/4", nil)

	// Other routes are unaffected.
	h.request(http.MethodGet, "/guilds/1", nil)
	assert.Equal(t, "/guilds/1", h.next().endpoint)

	h.expectNone(30 * time.Millisecond)

	h.advance(999 * time.Millisecond)
	h.expectNone(30 * time.Millisecond)
	assert.Len(t, recorder.paths(), 2)

	h.advance(time.Millisecond)

	for _, expected := range []string{"/channels/2", "/channels/3", "/channels/4"} {
		res := h.next()
		require.NoError(t, res.err)
		assert.Equal(t, expected, res.endpoint)
	}

	assert.Equal(t, []string{
		"/api/v10/channels/1",
		"/api/v10/guilds/1",
		"/api/v10/channels/2",
		"/api/v10/channels/3",
		"/api/v10/channels/4",
	}, recorder.paths())
}

func TestGlobalRateLimitHoldsEveryRoute(t *testing.T) {
	recorder := &recordingServer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if recorder.record(r) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "500")
			_, _ = w.Write([]byte(`{"global":true}`))

			return
		}

		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/channels/1", nil)
	require.NoError(t, h.next().err)

	h.request(http.MethodGet, "/guilds/1", nil)
	h.request(http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": "1"})

	h.expectNone(30 * time.Millisecond)

	h.invoke(func() {
		assert.True(t, h.client.Limiter().Global().Limited())
		assert.Equal(t, 2, h.client.Limiter().Global().Len())
	})

	h.advance(500 * time.Millisecond)

	assert.Equal(t, "/guilds/1", h.next().endpoint)
	assert.Equal(t, "/users/@me/channels", h.next().endpoint)
}

func TestTooManyRequestsIsRetried(t *testing.T) {
	recorder := &recordingServer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if recorder.record(r) == 1 {
			w.Header().Set("Retry-After", "500")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"You are being rate limited.","retry_after":0.5,"global":false}`))

			return
		}

		_, _ = w.Write([]byte(`{"id":"1"}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/channels/1", nil)
	h.expectNone(50 * time.Millisecond)

	h.advance(500 * time.Millisecond)

	res := h.next()
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.response.StatusCode)
	assert.Len(t, recorder.paths(), 2)

	h.expectNone(20 * time.Millisecond)
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"401: Unauthorized","code":0}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/gateway/bot", nil)

	res := h.next()
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, ErrUnauthorized)

	var restError *RestError

	require.True(t, errors.As(res.err, &restError))
	assert.Equal(t, "401: Unauthorized", restError.Message)
	assert.Equal(t, http.StatusUnauthorized, restError.StatusCode)
}

func TestNotFoundIsRestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodDelete, "/channels/9", nil)

	res := h.next()

	var restError *RestError

	require.True(t, errors.As(res.err, &restError))
	assert.Equal(t, 10003, restError.Code)
	assert.NotErrorIs(t, res.err, ErrUnauthorized)
}

func TestReconnectAfterServerClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/a", nil)
	require.NoError(t, h.next().err)

	require.Eventually(t, func() bool {
		return h.client.Reconnects.Load() == 1 && h.client.Connected.Load()
	}, 2*time.Second, 5*time.Millisecond)

	h.request(http.MethodGet, "/b", nil)

	res := h.next()
	require.NoError(t, res.err)
	assert.Equal(t, "/b", res.endpoint)
}

func TestInflightRequestFailsWhenConnectionDrops(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
		_ = conn.Close()
	}()

	h := newHarness(t, "http://"+listener.Addr().String(), Options{})

	h.request(http.MethodGet, "/channels/1", nil)

	res := h.next()
	assert.ErrorIs(t, res.err, ErrConnectionLost)
}

func TestRequestWrittenWhileClosingIsResent(t *testing.T) {
	recorder := &recordingServer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.record(r)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/a", nil)
	require.NoError(t, h.next().err)

	// The transport is closed but its close callback has not run yet.
	h.invoke(func() {
		h.client.transport.Close(errors.New("connection reset"))

		h.client.Request(http.MethodGet, "/b", nil, func(response *http1.Response, err error) {
			h.results <- result{endpoint: "/b", response: response, err: err}
		})

		assert.Equal(t, 0, h.client.inflight.Length())
		assert.Equal(t, 1, h.client.outbox.Length())
	})

	res := h.next()
	require.NoError(t, res.err)
	assert.Equal(t, "/b", res.endpoint)
	assert.Equal(t, []string{"/api/v10/a", "/api/v10/b"}, recorder.paths())
}

func TestCloseFailsQueuedRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("Retry-After", "60000")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	h := newHarness(t, server.URL, Options{})

	h.request(http.MethodGet, "/channels/1", nil)
	require.NoError(t, h.next().err)

	h.request(http.MethodGet, "/channels/2", nil)
	h.invoke(h.client.Close)

	assert.ErrorIs(t, h.next().err, ErrClientClosed)

	h.request(http.MethodGet, "/channels/3", nil)
	assert.ErrorIs(t, h.next().err, ErrClientClosed)
}

func TestInvalidEndpoint(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", Options{})

	h.request(http.MethodGet, "channels", nil)
	assert.ErrorIs(t, h.next().err, ErrInvalidRoute)
}
