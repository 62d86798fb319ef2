package ws

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Control reports if the opcode is close, ping or pong.
func (o Opcode) Control() bool {
	return o&0x8 != 0
}

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

const (
	finBit  = 0x80
	rsv1Bit = 0x40
	rsv2Bit = 0x20
	rsv3Bit = 0x10
	maskBit = 0x80

	maxInlineLength  = 125
	maxControlLength = 125
	length16         = 126
	length64         = 127

	// MaxHeaderLength is the largest possible frame header.
	MaxHeaderLength = 14
)

// Frame is a single WebSocket frame. Payload is unmasked.
type Frame struct {
	Fin    bool
	Rsv1   bool
	Rsv2   bool
	Rsv3   bool
	Opcode Opcode
	Masked bool
	Mask   [4]byte

	Payload []byte
}

// NewFrame returns a final frame.
func NewFrame(opcode Opcode, payload []byte, masked bool) Frame {
	return Frame{
		Fin:     true,
		Opcode:  opcode,
		Masked:  masked,
		Payload: payload,
	}
}

// NewMask returns 4 random mask bytes.
func NewMask() ([4]byte, error) {
	var mask [4]byte

	_, err := rand.Read(mask[:])

	return mask, err
}

// Encode serialises a frame. A masked frame gets a fresh random mask.
func Encode(frame Frame) ([]byte, error) {
	if frame.Masked {
		mask, err := NewMask()
		if err != nil {
			return nil, fmt.Errorf("failed to generate mask: %w", err)
		}

		frame.Mask = mask
	}

	return AppendFrame(make([]byte, 0, MaxHeaderLength+len(frame.Payload)), frame), nil
}

// AppendFrame serialises a frame onto dst using frame.Mask as the mask key.
func AppendFrame(dst []byte, frame Frame) []byte {
	b0 := byte(frame.Opcode) & 0x0F

	if frame.Fin {
		b0 |= finBit
	}

	if frame.Rsv1 {
		b0 |= rsv1Bit
	}

	if frame.Rsv2 {
		b0 |= rsv2Bit
	}

	if frame.Rsv3 {
		b0 |= rsv3Bit
	}

	var b1 byte
	if frame.Masked {
		b1 = maskBit
	}

	length := len(frame.Payload)

	switch {
	case length <= maxInlineLength:
		dst = append(dst, b0, b1|byte(length))
	case length <= 0xFFFF:
		dst = append(dst, b0, b1|length16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(length))
	default:
		dst = append(dst, b0, b1|length64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(length))
	}

	if !frame.Masked {
		return append(dst, frame.Payload...)
	}

	dst = append(dst, frame.Mask[:]...)

	start := len(dst)
	dst = append(dst, frame.Payload...)
	maskBytes(dst[start:], frame.Mask)

	return dst
}

// Decode parses the frame at the start of b. It returns the number of bytes
// the frame occupies. ErrIncomplete means more bytes are needed. A
// ProtocolError with a non-zero length may be skipped and decoding resumed
// after it.
func Decode(b []byte) (Frame, int, error) {
	var frame Frame

	if len(b) < 2 {
		return frame, 0, ErrIncomplete
	}

	frame.Fin = b[0]&finBit != 0
	frame.Rsv1 = b[0]&rsv1Bit != 0
	frame.Rsv2 = b[0]&rsv2Bit != 0
	frame.Rsv3 = b[0]&rsv3Bit != 0
	frame.Opcode = Opcode(b[0] & 0x0F)
	frame.Masked = b[1]&maskBit != 0

	offset := 2
	length := uint64(b[1] &^ maskBit)

	switch length {
	case length16:
		if len(b) < offset+2 {
			return frame, 0, ErrIncomplete
		}

		length = uint64(binary.BigEndian.Uint16(b[offset:]))
		offset += 2
	case length64:
		if len(b) < offset+8 {
			return frame, 0, ErrIncomplete
		}

		length = binary.BigEndian.Uint64(b[offset:])
		offset += 8

		if length>>63 != 0 {
			// The frame size is unknown so the stream cannot be resynchronised.
			return frame, 0, &ProtocolError{Reason: "64-bit payload length has the most significant bit set", Fatal: true}
		}
	}

	if frame.Masked {
		if len(b) < offset+4 {
			return frame, 0, ErrIncomplete
		}

		copy(frame.Mask[:], b[offset:offset+4])
		offset += 4
	}

	if length > uint64(MaxPayloadLength) {
		return frame, 0, &ProtocolError{Reason: fmt.Sprintf("payload of %d bytes exceeds limit", length), Fatal: true}
	}

	total := offset + int(length)
	if len(b) < total {
		return frame, 0, ErrIncomplete
	}

	frame.Payload = make([]byte, length)
	copy(frame.Payload, b[offset:total])

	if frame.Masked {
		maskBytes(frame.Payload, frame.Mask)
	}

	if err := validate(frame); err != nil {
		return frame, total, err
	}

	return frame, total, nil
}

func validate(frame Frame) error {
	if frame.Rsv1 || frame.Rsv2 || frame.Rsv3 {
		return &ProtocolError{Reason: "reserved bits set without a negotiated extension"}
	}

	if !frame.Opcode.valid() {
		return &ProtocolError{Reason: "unknown " + frame.Opcode.String()}
	}

	if frame.Opcode.Control() {
		if !frame.Fin {
			return &ProtocolError{Reason: "fragmented " + frame.Opcode.String() + " frame"}
		}

		if len(frame.Payload) > maxControlLength {
			return &ProtocolError{Reason: frame.Opcode.String() + " frame payload longer than 125 bytes"}
		}
	}

	return nil
}

// maskBytes XORs b with the mask cycled every 4 bytes.
func maskBytes(b []byte, mask [4]byte) {
	for i := range b {
		b[i] ^= mask[i&3]
	}
}
