package ws

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/king1600/Valk/internal/http1"
	"github.com/king1600/Valk/internal/reactor"
	"github.com/king1600/Valk/internal/transport"
	"github.com/king1600/Valk/pkg/uri"
	"github.com/rs/zerolog"
	gotils "github.com/savsgio/gotils/strconv"
	"go.uber.org/atomic"
)

const (
	DefaultCloseTimeout = 5 * time.Second

	acceptGUID         = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	maxHandshakeLength = 16 << 10
)

var headerTerminator = []byte("\r\n\r\n")

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
	TLSConfig *tls.Config

	// StrictAccept fails the handshake when Sec-WebSocket-Accept does not
	// match the key. Otherwise a mismatch is only logged.
	StrictAccept bool

	// CloseTimeout bounds how long Close waits for the server close frame.
	CloseTimeout time.Duration

	// Header holds extra handshake headers.
	Header http.Header
}

// Client is a WebSocket client bound to a reactor. Frames sent by the client
// are always masked. Pings are answered automatically.
type Client struct {
	logger  zerolog.Logger
	reactor *reactor.Reactor
	options Options

	endpoint  uri.Endpoint
	transport *transport.Transport
	state     *atomic.Int32

	key       string
	handshake []byte

	inbound   []byte
	offset    int
	assembler Assembler

	closeSent   bool
	closeCode   int
	closeReason string
	closeTimer  *reactor.Timer
	reported    bool

	onOpen    func()
	onMessage func(Message)
	onClose   func(code int, reason string)
}

func NewClient(logger zerolog.Logger, r *reactor.Reactor, options Options) *Client {
	if options.CloseTimeout <= 0 {
		options.CloseTimeout = DefaultCloseTimeout
	}

	return &Client{
		logger:  logger.With().Str("component", "websocket").Logger(),
		reactor: r,
		options: options,

		state: atomic.NewInt32(int32(StateIdle)),
	}
}

// OnOpen registers the callback run once the handshake succeeds.
func (c *Client) OnOpen(fn func()) { c.onOpen = fn }

// OnMessage registers the callback receiving complete text and binary messages.
func (c *Client) OnMessage(fn func(Message)) { c.onMessage = fn }

// OnClose registers the callback run exactly once when the connection ends.
// Connections lost without a close frame report 1006.
func (c *Client) OnClose(fn func(code int, reason string)) { c.onClose = fn }

func (c *Client) State() State {
	return State(c.state.Load())
}

// Connect dials rawURL and performs the upgrade handshake.
func (c *Client) Connect(rawURL string) error {
	endpoint, err := uri.Parse(rawURL)
	if err != nil {
		return err
	}

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.endpoint = endpoint

	tr := transport.New(c.logger, c.reactor, transport.Options{
		TLSConfig: c.options.TLSConfig,
		Plaintext: !endpoint.Secure(),
	})

	c.transport = tr

	tr.OnConnect(c.sendHandshake)
	tr.OnRead(c.read)
	tr.OnClose(func(err error) {
		if c.closeSent {
			c.report(c.closeCode, c.closeReason)

			return
		}

		reason := ""
		if err != nil {
			reason = err.Error()
		}

		c.report(CloseAbnormal, reason)
	})

	c.logger.Debug().Str("url", endpoint.String()).Msg("Connecting")

	return tr.Connect(endpoint.Host(), endpoint.Port())
}

// Send writes a single masked frame. It is only honoured while open.
func (c *Client) Send(payload []byte, opcode Opcode) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}

	return c.writeFrame(opcode, payload)
}

// Close sends a close frame and stops further sends. The transport is torn
// down when the server replies or after the close timeout.
func (c *Client) Close(code int, reason string) {
	switch c.State() {
	case StateOpen:
		c.state.Store(int32(StateClosed))
		c.closeSent = true
		c.closeCode = code
		c.closeReason = reason

		err := c.writeFrame(OpClose, ClosePayload(code, reason))
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send close frame")
		}

		c.closeTimer = c.reactor.Schedule(c.options.CloseTimeout, func() {
			c.logger.Debug().Msg("Close timed out waiting for server")
			c.transport.Close(nil)
		})
	case StateConnecting:
		c.state.Store(int32(StateClosed))
		c.closeSent = true
		c.closeCode = code
		c.closeReason = reason
		c.transport.Close(nil)
	case StateIdle:
		c.state.Store(int32(StateClosed))
	}
}

func (c *Client) writeFrame(opcode Opcode, payload []byte) error {
	mask, err := NewMask()
	if err != nil {
		return fmt.Errorf("failed to generate mask: %w", err)
	}

	frame := NewFrame(opcode, payload, true)
	frame.Mask = mask

	return c.transport.Send(AppendFrame(make([]byte, 0, MaxHeaderLength+len(payload)), frame))
}

func (c *Client) sendHandshake() {
	var nonce [16]byte

	_, err := rand.Read(nonce[:])
	if err != nil {
		c.transport.Close(fmt.Errorf("failed to generate key: %w", err))

		return
	}

	c.key = base64.StdEncoding.EncodeToString(nonce[:])

	header := http.Header{}
	for key, values := range c.options.Header {
		header[key] = values
	}

	header.Set("Upgrade", "websocket")
	header.Set("Connection", "Upgrade")
	header.Set("Sec-WebSocket-Key", c.key)
	header.Set("Sec-WebSocket-Version", "13")

	request := http1.AppendRequest(nil, &http1.Request{
		Method: http.MethodGet,
		Target: c.endpoint.RequestURI(),
		Host:   c.endpoint.HostHeader(),
		Header: header,
	})

	err = c.transport.Send(request)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send handshake")
	}
}

func (c *Client) read(data []byte) {
	if c.State() == StateConnecting {
		c.readHandshake(data)

		return
	}

	c.readFrames(data)
}

func (c *Client) readHandshake(data []byte) {
	c.handshake = append(c.handshake, data...)

	end := bytes.Index(c.handshake, headerTerminator)
	if end < 0 {
		if len(c.handshake) > maxHandshakeLength {
			c.fail(CloseNoStatus, "handshake response too large")
		}

		return
	}

	response := string(c.handshake[:end])
	rest := c.handshake[end+len(headerTerminator):]
	c.handshake = nil

	statusLine, _, _ := strings.Cut(response, "\r\n")

	if !strings.HasPrefix(response, "HTTP/1.1 101") {
		c.logger.Warn().Str("status", statusLine).Msg("Server refused upgrade")
		c.fail(CloseNoStatus, statusLine)

		return
	}

	expected := AcceptKey(c.key)
	accept := headerValue(response, "Sec-WebSocket-Accept")

	if accept != expected {
		if c.options.StrictAccept {
			c.logger.Warn().Str("accept", accept).Msg("Server sent an invalid accept key")
			c.fail(CloseProtocolError, "invalid Sec-WebSocket-Accept")

			return
		}

		c.logger.Warn().Str("accept", accept).Str("expected", expected).Msg("Accept key mismatch, continuing")
	}

	c.state.Store(int32(StateOpen))

	c.logger.Debug().Msg("Handshake complete")

	if c.onOpen != nil {
		c.onOpen()
	}

	if len(rest) > 0 && c.State() == StateOpen {
		c.readFrames(rest)
	}
}

func (c *Client) readFrames(data []byte) {
	c.inbound = append(c.inbound, data...)

	for c.offset < len(c.inbound) && !c.reported {
		frame, n, err := Decode(c.inbound[c.offset:])
		if errors.Is(err, ErrIncomplete) {
			break
		}

		if err != nil {
			var protocolError *ProtocolError
			if n == 0 || (errors.As(err, &protocolError) && protocolError.Fatal) {
				c.logger.Error().Err(err).Msg("Unrecoverable frame")
				c.fail(CloseProtocolError, err.Error())

				return
			}

			c.logger.Warn().Err(err).Msg("Dropped malformed frame")
			c.offset += n

			continue
		}

		c.offset += n
		c.handleFrame(frame)
	}

	switch {
	case c.offset >= len(c.inbound):
		c.inbound = c.inbound[:0]
		c.offset = 0
	case c.offset > len(c.inbound)/2:
		c.inbound = append(c.inbound[:0], c.inbound[c.offset:]...)
		c.offset = 0
	}
}

func (c *Client) handleFrame(frame Frame) {
	switch frame.Opcode {
	case OpPing:
		if c.State() == StateOpen {
			err := c.writeFrame(OpPong, frame.Payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send pong")
			}
		}
	case OpPong:
		c.logger.Trace().Int("length", len(frame.Payload)).Msg("Received pong")
	case OpClose:
		c.handleClose(frame)
	default:
		message, complete, err := c.assembler.Push(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropped message")

			return
		}

		if !complete || c.onMessage == nil {
			return
		}

		if c.logger.GetLevel() <= zerolog.TraceLevel && message.Opcode == OpText {
			c.logger.Trace().Str("message", gotils.B2S(message.Payload)).Msg("Received message")
		}

		c.onMessage(message)
	}
}

func (c *Client) handleClose(frame Frame) {
	code, reason, err := ParseClosePayload(frame.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Malformed close frame")
	}

	c.logger.Debug().Int("code", code).Str("reason", reason).Msg("Received close frame")

	if c.State() == StateOpen {
		c.state.Store(int32(StateClosed))

		echo := frame.Payload
		if err != nil {
			echo = ClosePayload(CloseProtocolError, "")
		}

		if werr := c.writeFrame(OpClose, echo); werr != nil {
			c.logger.Warn().Err(werr).Msg("Failed to echo close frame")
		}
	}

	if c.closeSent {
		code, reason = c.closeCode, c.closeReason
	}

	c.transport.Shutdown(nil)
	c.report(code, reason)
}

func (c *Client) fail(code int, reason string) {
	c.state.Store(int32(StateClosed))
	c.transport.Close(nil)
	c.report(code, reason)
}

func (c *Client) report(code int, reason string) {
	c.state.Store(int32(StateClosed))

	if c.reported {
		return
	}

	c.reported = true
	c.closeTimer.Stop()
	c.assembler.Reset()

	c.logger.Debug().Int("code", code).Str("reason", reason).Msg("Websocket closed")

	if c.onClose != nil {
		c.onClose(code, reason)
	}
}

// AcceptKey returns the Sec-WebSocket-Accept value expected for key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))

	return base64.StdEncoding.EncodeToString(sum[:])
}

func headerValue(response, name string) string {
	for _, line := range strings.Split(response, "\r\n")[1:] {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}

	return ""
}
