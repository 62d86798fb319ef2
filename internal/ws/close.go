package ws

import (
	"encoding/binary"
	"unicode/utf8"
)

// Close codes used by the client.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseNoStatus        = 1005
	CloseAbnormal        = 1006
	CloseInvalidPayload  = 1007
	CloseInternalError   = 1011
	maxCloseReasonLength = maxControlLength - 2
)

// ClosePayload builds a close frame payload of a big endian code followed by reason.
func ClosePayload(code int, reason string) []byte {
	if code <= 0 {
		return nil
	}

	if len(reason) > maxCloseReasonLength {
		reason = reason[:maxCloseReasonLength]
	}

	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))

	return append(payload, reason...)
}

// ParseClosePayload reads the code and reason of a close frame. An empty
// payload is reported as 1005.
func ParseClosePayload(payload []byte) (int, string, error) {
	switch {
	case len(payload) == 0:
		return CloseNoStatus, "", nil
	case len(payload) == 1:
		return CloseProtocolError, "", &ProtocolError{Reason: "close payload of 1 byte"}
	}

	code := int(binary.BigEndian.Uint16(payload))
	reason := payload[2:]

	if !utf8.Valid(reason) {
		return code, "", &ProtocolError{Reason: "close reason is not valid utf-8"}
	}

	return code, string(reason), nil
}
