package ws

import (
	"errors"
	"fmt"
)

// MaxPayloadLength bounds a single frame payload.
var MaxPayloadLength = 64 << 20

var (
	ErrIncomplete       = errors.New("incomplete frame")
	ErrProtocol         = errors.New("websocket protocol error")
	ErrNotOpen          = errors.New("websocket is not open")
	ErrAlreadyConnected = errors.New("websocket already connected")
	ErrHandshakeFailed  = errors.New("websocket handshake failed")
	ErrInvalidUTF8      = fmt.Errorf("%w: text message is not valid utf-8", ErrProtocol)
)

// ProtocolError is a frame or message that violates the protocol. Fatal
// errors leave the stream impossible to resynchronise.
type ProtocolError struct {
	Reason string
	Fatal  bool
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProtocol, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
