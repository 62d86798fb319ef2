package http1

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol          = errors.New("http protocol error")
	ErrNoPendingCallback = errors.New("response received with no pending request")
)

// ProtocolError describes a line the parser could not understand. The line
// is dropped and parsing continues.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s: %q", ErrProtocol, e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
