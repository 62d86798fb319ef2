package ws

import "unicode/utf8"

// Message is a complete, reassembled data message.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Assembler joins fragmented data frames into messages. The opcode of the
// first fragment is kept until a final frame completes the message.
// Fragments may use the continuation opcode or repeat the first opcode.
type Assembler struct {
	opcode     Opcode
	buf        []byte
	assembling bool
}

// Push adds a data frame. It returns the message once complete. Text
// messages that are not valid UTF-8 are dropped with ErrInvalidUTF8.
func (a *Assembler) Push(frame Frame) (Message, bool, error) {
	if frame.Opcode.Control() {
		return Message{}, false, &ProtocolError{Reason: "control frame passed to assembler"}
	}

	if !a.assembling {
		if frame.Opcode == OpContinuation {
			return Message{}, false, &ProtocolError{Reason: "continuation frame without a message to continue"}
		}

		if frame.Fin {
			return a.finish(frame.Opcode, frame.Payload)
		}

		a.opcode = frame.Opcode
		a.buf = append(a.buf[:0], frame.Payload...)
		a.assembling = true

		return Message{}, false, nil
	}

	if frame.Opcode != OpContinuation && frame.Opcode != a.opcode {
		a.Reset()

		return Message{}, false, &ProtocolError{Reason: "new " + frame.Opcode.String() + " message before the previous completed"}
	}

	if len(a.buf)+len(frame.Payload) > MaxPayloadLength {
		a.Reset()

		return Message{}, false, &ProtocolError{Reason: "fragmented message exceeds limit"}
	}

	a.buf = append(a.buf, frame.Payload...)

	if !frame.Fin {
		return Message{}, false, nil
	}

	payload := make([]byte, len(a.buf))
	copy(payload, a.buf)

	opcode := a.opcode
	a.Reset()

	return a.finish(opcode, payload)
}

// Reset drops any partially assembled message.
func (a *Assembler) Reset() {
	a.assembling = false
	a.opcode = OpContinuation
	a.buf = a.buf[:0]
}

// Assembling reports if a fragmented message is in progress.
func (a *Assembler) Assembling() bool {
	return a.assembling
}

func (a *Assembler) finish(opcode Opcode, payload []byte) (Message, bool, error) {
	if opcode == OpText && !utf8.Valid(payload) {
		return Message{}, false, ErrInvalidUTF8
	}

	return Message{Opcode: opcode, Payload: payload}, true, nil
}
