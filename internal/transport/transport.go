package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	DefaultReadBufferSize = 8192
	DefaultDialTimeout    = 30 * time.Second
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrClosed           = errors.New("transport closed")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type Options struct {
	// TLSConfig is cloned for every connection. ServerName defaults to the dialed host.
	TLSConfig *tls.Config

	// Plaintext skips the TLS handshake, used for ws:// and http:// endpoints.
	Plaintext bool

	DialTimeout    time.Duration
	ReadBufferSize int
}

// Transport is a byte stream over TCP, optionally wrapped in TLS. Blocking
// socket calls run on helper goroutines; every callback is posted to the
// reactor. A Transport is single use: once closed it cannot be reconnected.
type Transport struct {
	logger  zerolog.Logger
	reactor *reactor.Reactor
	options Options

	onConnect func()
	onRead    func([]byte)
	onClose   func(error)

	state *atomic.Int32

	connMu sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc

	writesMu sync.Mutex
	writes   *queue.Queue
	writable chan struct{}
	drain    chan error

	closed    chan struct{}
	closeOnce sync.Once

	BytesRead    *atomic.Uint64
	BytesWritten *atomic.Uint64
}

func New(logger zerolog.Logger, r *reactor.Reactor, options Options) *Transport {
	if options.DialTimeout <= 0 {
		options.DialTimeout = DefaultDialTimeout
	}

	if options.ReadBufferSize <= 0 {
		options.ReadBufferSize = DefaultReadBufferSize
	}

	return &Transport{
		logger:  logger.With().Str("component", "transport").Logger(),
		reactor: r,
		options: options,

		state: atomic.NewInt32(int32(StateIdle)),

		writes:   queue.New(),
		writable: make(chan struct{}, 1),
		drain:    make(chan error, 1),

		closed: make(chan struct{}),

		BytesRead:    atomic.NewUint64(0),
		BytesWritten: atomic.NewUint64(0),
	}
}

// OnConnect registers the callback run once the connection is established.
func (t *Transport) OnConnect(fn func()) { t.onConnect = fn }

// OnRead registers the callback receiving inbound bytes. A chunk is
// delivered whenever a socket read returns less than the receive buffer,
// so one chunk may hold part of a message or several messages.
func (t *Transport) OnRead(fn func([]byte)) { t.onRead = fn }

// OnClose registers the callback run exactly once when the transport closes.
func (t *Transport) OnClose(fn func(error)) { t.onClose = fn }

func (t *Transport) State() State {
	return State(t.state.Load())
}

// Connect starts dialing host:port. Failures are reported through OnClose.
func (t *Transport) Connect(host string, port int) error {
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.options.DialTimeout)

	t.connMu.Lock()
	t.cancel = cancel
	t.connMu.Unlock()

	address := net.JoinHostPort(host, strconv.Itoa(port))

	t.logger.Debug().Str("address", address).Bool("tls", !t.options.Plaintext).Msg("Connecting")

	go func() {
		defer cancel()

		conn, err := t.dial(ctx, host, address)

		t.reactor.Post(func() {
			if err != nil {
				t.Close(fmt.Errorf("failed to connect to %s: %w", address, err))

				return
			}

			t.connected(conn)
		})
	}()

	return nil
}

func (t *Transport) dial(ctx context.Context, host, address string) (net.Conn, error) {
	dialer := &net.Dialer{}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	if t.options.Plaintext {
		return conn, nil
	}

	var config *tls.Config

	if t.options.TLSConfig != nil {
		config = t.options.TLSConfig.Clone()
	} else {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if config.ServerName == "" {
		config.ServerName = host
	}

	tlsConn := tls.Client(conn, config)

	err = tlsConn.HandshakeContext(ctx)
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return tlsConn, nil
}

func (t *Transport) connected(conn net.Conn) {
	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// Closed while dialing.
		_ = conn.Close()

		return
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	t.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Connected")

	go t.readLoop(conn)
	go t.writeLoop(conn)

	if t.onConnect != nil {
		t.onConnect()
	}
}

// Send queues data for writing. Data sent before the connection is open is dropped.
func (t *Transport) Send(data []byte) error {
	if t.State() != StateOpen {
		t.logger.Warn().Int("length", len(data)).Str("state", t.State().String()).Msg("Dropped write on transport that is not open")

		return ErrNotConnected
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	t.writesMu.Lock()
	t.writes.Add(buf)
	t.writesMu.Unlock()

	select {
	case t.writable <- struct{}{}:
	default:
	}

	return nil
}

// Shutdown closes the transport once every queued write has been flushed.
func (t *Transport) Shutdown(reason error) {
	if t.State() != StateOpen {
		t.Close(reason)

		return
	}

	select {
	case t.drain <- reason:
	default:
	}
}

// Close closes the transport. Only the first call has any effect and
// OnClose is run once on the reactor with reason.
func (t *Transport) Close(reason error) {
	t.closeOnce.Do(func() {
		t.state.Store(int32(StateClosed))
		close(t.closed)

		t.connMu.Lock()
		if t.cancel != nil {
			t.cancel()
		}

		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.connMu.Unlock()

		if reason != nil {
			t.logger.Debug().Err(reason).Msg("Transport closed")
		} else {
			t.logger.Debug().Msg("Transport closed")
		}

		t.reactor.Post(func() {
			if t.onClose != nil {
				t.onClose(reason)
			}
		})
	})
}

func (t *Transport) readLoop(conn net.Conn) {
	buf := make([]byte, t.options.ReadBufferSize)

	var pending []byte

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.BytesRead.Add(uint64(n))
			pending = append(pending, buf[:n]...)
		}

		if err != nil {
			if len(pending) > 0 {
				t.deliver(pending)
			}

			t.reactor.Post(func() {
				t.Close(fmt.Errorf("read: %w", err))
			})

			return
		}

		// A short read is taken as the end of a message.
		if n < len(buf) && len(pending) > 0 {
			t.deliver(pending)
			pending = nil
		}
	}
}

func (t *Transport) deliver(chunk []byte) {
	t.reactor.Post(func() {
		if t.State() == StateClosed {
			return
		}

		if t.onRead != nil {
			t.onRead(chunk)
		}
	})
}

func (t *Transport) writeLoop(conn net.Conn) {
	for {
		select {
		case <-t.closed:
			return
		case <-t.writable:
			if !t.flush(conn) {
				return
			}
		case reason := <-t.drain:
			if t.flush(conn) {
				t.reactor.Post(func() {
					t.Close(reason)
				})
			}

			return
		}
	}
}

// flush writes everything queued. It returns false once the connection failed.
func (t *Transport) flush(conn net.Conn) bool {
	for {
		t.writesMu.Lock()
		if t.writes.Length() == 0 {
			t.writesMu.Unlock()

			return true
		}

		buf, _ := t.writes.Remove().([]byte)
		t.writesMu.Unlock()

		n, err := conn.Write(buf)
		t.BytesWritten.Add(uint64(n))

		if err != nil {
			t.reactor.Post(func() {
				t.Close(fmt.Errorf("write: %w", err))
			})

			return false
		}
	}
}
