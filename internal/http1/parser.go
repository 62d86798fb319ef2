package http1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/eapache/queue"
)

type parseState uint8

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailers
)

var crlf = []byte("\r\n")

// Callback receives a completed response.
type Callback func(*Response)

// Parser turns a byte stream into responses. Responses are handed to
// callbacks registered with Expect strictly in the order they were
// registered, as there is nothing on the wire to correlate a response with
// its request. Only one ordered request stream may share a connection.
type Parser struct {
	state    parseState
	buf      []byte
	response *Response

	contentLength int
	remaining     int
	chunked       bool

	callbacks *queue.Queue

	onHeader func(key, value string)
	onError  func(error)
}

func NewParser() *Parser {
	return &Parser{
		response:  newResponse(),
		callbacks: queue.New(),
	}
}

// Expect registers the callback for the next response that completes.
func (p *Parser) Expect(callback Callback) {
	p.callbacks.Add(callback)
}

// Pending returns how many callbacks are waiting for a response.
func (p *Parser) Pending() int {
	return p.callbacks.Length()
}

// OnHeader registers a hook run for every header line as it is parsed.
func (p *Parser) OnHeader(fn func(key, value string)) {
	p.onHeader = fn
}

// OnError registers a hook for protocol errors. Errors never stop parsing.
func (p *Parser) OnError(fn func(error)) {
	p.onError = fn
}

// Reset discards buffered bytes, the response in progress and every pending callback.
func (p *Parser) Reset() []Callback {
	p.state = stateStatusLine
	p.buf = nil
	p.response = newResponse()
	p.contentLength = 0
	p.remaining = 0
	p.chunked = false

	dropped := make([]Callback, 0, p.callbacks.Length())

	for p.callbacks.Length() > 0 {
		if callback, ok := p.callbacks.Remove().(Callback); ok {
			dropped = append(dropped, callback)
		}
	}

	return dropped
}

// Feed parses an arbitrary chunk of the stream. Partial lines and bodies
// are kept until the next call.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)

	for p.step() {
	}

	if len(p.buf) == 0 {
		p.buf = nil
	}
}

func (p *Parser) step() bool {
	switch p.state {
	case stateBody:
		if len(p.buf) == 0 {
			return false
		}

		n := p.remaining
		if n > len(p.buf) {
			n = len(p.buf)
		}

		p.response.Body = append(p.response.Body, p.buf[:n]...)
		p.buf = p.buf[n:]
		p.remaining -= n

		if p.remaining == 0 {
			p.complete()
		}

		return true
	case stateChunkData:
		if len(p.buf) == 0 {
			return false
		}

		n := p.remaining
		if n > len(p.buf) {
			n = len(p.buf)
		}

		p.response.Body = append(p.response.Body, p.buf[:n]...)
		p.buf = p.buf[n:]
		p.remaining -= n

		if p.remaining == 0 {
			p.state = stateChunkEnd
		}

		return true
	}

	line, ok := p.readLine()
	if !ok {
		return false
	}

	switch p.state {
	case stateStatusLine:
		p.parseStatusLine(line)
	case stateHeaders:
		p.parseHeader(line)
	case stateChunkSize:
		p.parseChunkSize(line)
	case stateChunkEnd:
		if line != "" {
			p.fail(line, "chunk data longer than chunk size")
		}

		p.state = stateChunkSize
	case stateTrailers:
		if line == "" {
			p.complete()

			return true
		}

		p.addHeader(line)
	}

	return true
}

func (p *Parser) readLine() (string, bool) {
	i := bytes.Index(p.buf, crlf)
	if i < 0 {
		return "", false
	}

	line := string(p.buf[:i])
	p.buf = p.buf[i+len(crlf):]

	return line, true
}

func (p *Parser) parseStatusLine(line string) {
	// Tolerate blank lines between responses.
	if line == "" {
		return
	}

	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		p.fail(line, "malformed status line")

		return
	}

	code, reason, _ := strings.Cut(rest, " ")

	status, err := strconv.Atoi(code)
	if err != nil || status < 100 || status > 999 {
		p.fail(line, "malformed status code")

		return
	}

	p.response.Proto = proto
	p.response.StatusCode = status
	p.response.Reason = reason
	p.state = stateHeaders
}

func (p *Parser) parseHeader(line string) {
	if line != "" {
		p.addHeader(line)

		return
	}

	switch {
	case p.chunked:
		p.state = stateChunkSize
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBody
	default:
		p.complete()
	}
}

func (p *Parser) addHeader(line string) {
	key, value, ok := strings.Cut(line, ":")
	if !ok || strings.TrimSpace(key) == "" {
		p.fail(line, "malformed header line")

		return
	}

	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	if p.state == stateHeaders {
		switch {
		case strings.EqualFold(key, "Content-Length"):
			length, err := strconv.Atoi(value)
			if err != nil || length < 0 {
				p.fail(line, "malformed content length")

				return
			}

			p.contentLength = length
		case strings.EqualFold(key, "Transfer-Encoding"):
			if strings.Contains(strings.ToLower(value), "chunked") {
				p.chunked = true
			}
		}
	}

	p.response.Header.Add(key, value)

	if p.onHeader != nil {
		p.onHeader(key, value)
	}
}

func (p *Parser) parseChunkSize(line string) {
	// Stray CRLF after chunk data.
	if line == "" {
		return
	}

	size, _, _ := strings.Cut(line, ";")

	length, err := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
	if err != nil || length < 0 {
		p.fail(line, "malformed chunk size")

		return
	}

	if length == 0 {
		p.state = stateTrailers

		return
	}

	p.remaining = int(length)
	p.state = stateChunkData
}

func (p *Parser) complete() {
	response := p.response

	if response.HeaderContains("Content-Encoding", "gzip") && len(response.Body) > 0 {
		body, err := Gunzip(response.Body)
		if err != nil {
			p.report(fmt.Errorf("failed to decompress body: %w", err))
		} else {
			response.Body = body
		}
	}

	p.response = newResponse()
	p.state = stateStatusLine
	p.contentLength = 0
	p.remaining = 0
	p.chunked = false

	if p.callbacks.Length() == 0 {
		p.report(fmt.Errorf("%w: %d %s", ErrNoPendingCallback, response.StatusCode, response.Reason))

		return
	}

	callback, _ := p.callbacks.Remove().(Callback)
	if callback != nil {
		callback(response)
	}
}

func (p *Parser) fail(line, reason string) {
	p.report(&ProtocolError{Line: line, Reason: reason})
}

func (p *Parser) report(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}
