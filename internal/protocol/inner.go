package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// MessageType is an inner-protocol opcode, interpreted by whichever
// endpoint terminates a logical downstream connection.
type MessageType uint32

const (
	MsgAck    MessageType = 0x00
	MsgLogin  MessageType = 0x10
	MsgInfo   MessageType = 0x11
	MsgError  MessageType = 0x12
	MsgPing   MessageType = 0x20
	MsgPong   MessageType = 0x21
	MsgData   MessageType = 0x30
	MsgUser   MessageType = 0x40
	MsgSpeech MessageType = 0x41
	MsgID     MessageType = 0x50
)

// InfoKey selects the meaning of an INFO message value.
type InfoKey uint32

const (
	InfoStartTime  InfoKey = 0
	InfoSampleRate InfoKey = 1
)

// ConnectionType classifies a downstream connection at login.
type ConnectionType uint32

const (
	ConnData    ConnectionType = 0
	ConnPing    ConnectionType = 1
	ConnMonitor ConnectionType = 2
)

func (t ConnectionType) String() string {
	switch t {
	case ConnData:
		return "data"
	case ConnPing:
		return "ping"
	case ConnMonitor:
		return "monitor"
	}
	return "unknown"
}

// DataType is the encoded-audio flavour a DATA connection uploads.
type DataType uint32

const (
	DataOpus DataType = 0x00
	DataFlac DataType = 0x10
)

func (t DataType) String() string {
	if t == DataFlac {
		return "flac"
	}
	return "opus"
}

// Login flag masks.
const (
	ConnectionTypeMask = 0x0F
	DataTypeMask       = 0xF0
	FlagContinuous     = 0x100
)

// Fixed message offsets and lengths. Variable-length tails (display
// name, audio payload) occupy the remainder of the message.
const (
	TokenSize = 8

	LoginTokenOff = 4
	LoginFlagsOff = 12
	LoginNickOff  = 16
	LoginMinLen   = 16

	AckLen     = 8
	InfoLen    = 12
	PingLen    = 12
	PongLen    = 20
	DataMinLen = 10
	UserMinLen = 12
	SpeechLen  = 12
	IDLen      = 8
)

var ErrShortMessage = errors.New("message shorter than its fixed layout")

// PeekType reads the leading opcode without validating the rest.
func PeekType(b []byte) (MessageType, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return MessageType(binary.LittleEndian.Uint32(b)), true
}

// Login is a parsed LOGIN message.
type Login struct {
	Token      string
	Type       ConnectionType
	Data       DataType
	Continuous bool
	Nick       []byte
}

// ParseLogin splits a LOGIN message. The opcode is not checked here;
// the gateway distinguishes short-message from wrong-opcode failures.
func ParseLogin(b []byte) (Login, error) {
	if len(b) < LoginMinLen {
		return Login{}, ErrShortMessage
	}
	flags := binary.LittleEndian.Uint32(b[LoginFlagsOff:])
	return Login{
		Token:      string(b[LoginTokenOff : LoginTokenOff+TokenSize]),
		Type:       ConnectionType(flags & ConnectionTypeMask),
		Data:       DataType(flags & DataTypeMask),
		Continuous: flags&FlagContinuous != 0,
		Nick:       b[LoginNickOff:],
	}, nil
}

// BuildLogin assembles a LOGIN message for a downstream client.
func BuildLogin(token string, flags uint32, nick string) []byte {
	b := make([]byte, LoginMinLen+len(nick))
	binary.LittleEndian.PutUint32(b, uint32(MsgLogin))
	copy(b[LoginTokenOff:LoginTokenOff+TokenSize], token)
	binary.LittleEndian.PutUint32(b[LoginFlagsOff:], flags)
	copy(b[LoginNickOff:], nick)
	return b
}

// BuildAck acknowledges a previously received message type.
func BuildAck(of MessageType) []byte {
	b := make([]byte, AckLen)
	binary.LittleEndian.PutUint32(b, uint32(MsgAck))
	binary.LittleEndian.PutUint32(b[4:], uint32(of))
	return b
}

func BuildInfo(key InfoKey, value uint32) []byte {
	b := make([]byte, InfoLen)
	binary.LittleEndian.PutUint32(b, uint32(MsgInfo))
	binary.LittleEndian.PutUint32(b[4:], uint32(key))
	binary.LittleEndian.PutUint32(b[8:], value)
	return b
}

// ParseInfo returns the key/value pair of an INFO message.
func ParseInfo(b []byte) (InfoKey, uint32, error) {
	if len(b) != InfoLen {
		return 0, 0, ErrShortMessage
	}
	return InfoKey(binary.LittleEndian.Uint32(b[4:])), binary.LittleEndian.Uint32(b[8:]), nil
}

// BuildID tells a DATA client its own track number.
func BuildID(track uint32) []byte {
	b := make([]byte, IDLen)
	binary.LittleEndian.PutUint32(b, uint32(MsgID))
	binary.LittleEndian.PutUint32(b[4:], track)
	return b
}

// BuildUser announces a user's connected state change.
func BuildUser(track uint32, connected bool, name string) []byte {
	b := make([]byte, UserMinLen+len(name))
	binary.LittleEndian.PutUint32(b, uint32(MsgUser))
	binary.LittleEndian.PutUint32(b[4:], track)
	if connected {
		binary.LittleEndian.PutUint32(b[8:], 1)
	}
	copy(b[UserMinLen:], name)
	return b
}

// BuildSpeech announces a track's speaking state change.
func BuildSpeech(track uint32, speaking bool) []byte {
	b := make([]byte, SpeechLen)
	binary.LittleEndian.PutUint32(b, uint32(MsgSpeech))
	binary.LittleEndian.PutUint32(b[4:], track)
	if speaking {
		binary.LittleEndian.PutUint32(b[8:], 1)
	}
	return b
}

// BuildPing carries a client-chosen timestamp to be echoed back.
func BuildPing(clientTime float64) []byte {
	b := make([]byte, PingLen)
	binary.LittleEndian.PutUint32(b, uint32(MsgPing))
	binary.LittleEndian.PutUint64(b[4:], math.Float64bits(clientTime))
	return b
}

// ParsePing validates a PING message; the length must be exact.
func ParsePing(b []byte) (float64, error) {
	if len(b) != PingLen {
		return 0, ErrShortMessage
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[4:])), nil
}

// BuildPong echoes the client timestamp and attaches the server clock,
// expressed as milliseconds elapsed since session start.
func BuildPong(clientTime, serverTime float64) []byte {
	b := make([]byte, PongLen)
	binary.LittleEndian.PutUint32(b, uint32(MsgPong))
	binary.LittleEndian.PutUint64(b[4:], math.Float64bits(clientTime))
	binary.LittleEndian.PutUint64(b[12:], math.Float64bits(serverTime))
	return b
}

// BuildData frames an audio payload behind a 48-bit granule position.
func BuildData(granule uint64, payload []byte) []byte {
	b := make([]byte, DataMinLen+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(MsgData))
	putUint48(b[4:], granule)
	copy(b[DataMinLen:], payload)
	return b
}

// ParseData splits a DATA message into its granule position and the
// opaque audio payload.
func ParseData(b []byte) (uint64, []byte, error) {
	if len(b) < DataMinLen {
		return 0, nil, ErrShortMessage
	}
	return uint48(b[4:]), b[DataMinLen:], nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
}

func uint48(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}
