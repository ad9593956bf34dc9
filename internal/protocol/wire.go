// Package protocol defines the two wire layers of the capture relay:
// the outer multiplexing envelope spoken between the relay and the
// recording agent, and the inner session messages spoken by downstream
// clients. All integers are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Op is an outer envelope opcode.
type Op uint32

const (
	OpIdentify Op = iota
	OpReady
	OpNew
	OpData
	OpClose
	OpPing
	OpPong
	OpExit
)

func (op Op) String() string {
	switch op {
	case OpIdentify:
		return "IDENTIFY"
	case OpReady:
		return "READY"
	case OpNew:
		return "NEW"
	case OpData:
		return "DATA"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	case OpExit:
		return "EXIT"
	}
	return fmt.Sprintf("OP(%d)", uint32(op))
}

// ConnIDSize is the fixed width of the envelope connection-id field.
const ConnIDSize = 8

// FrameHeaderSize is opcode + connection id.
const FrameHeaderSize = 4 + ConnIDSize

var ErrShortFrame = errors.New("frame shorter than envelope header")

// ConnID is the relay-generated identifier multiplexing one logical
// downstream connection onto the shared agent socket. Content is ASCII,
// left-justified; unused trailing bytes are opaque and round-trip as-is.
type ConnID [ConnIDSize]byte

// ConnIDFromString builds a ConnID from up to 8 ASCII characters.
func ConnIDFromString(s string) ConnID {
	var id ConnID
	copy(id[:], s)
	return id
}

func (id ConnID) String() string {
	n := len(id)
	for n > 0 && id[n-1] == 0 {
		n--
	}
	return string(id[:n])
}

// Frame is one decoded envelope message. Session-level opcodes
// (IDENTIFY, READY) leave ConnID zeroed.
type Frame struct {
	Op      Op
	ConnID  ConnID
	Payload []byte
}

// EncodeFrame lays a frame out as op:u32 | connId:8B | payload.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	binary.LittleEndian.PutUint32(buf, uint32(f.Op))
	copy(buf[4:FrameHeaderSize], f.ConnID[:])
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf
}

// DecodeFrame splits an envelope on its fixed offsets. The payload
// aliases b; callers that retain it past the read loop must copy.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameHeaderSize {
		return Frame{}, ErrShortFrame
	}
	var f Frame
	f.Op = Op(binary.LittleEndian.Uint32(b))
	copy(f.ConnID[:], b[4:FrameHeaderSize])
	f.Payload = b[FrameHeaderSize:]
	return f, nil
}
