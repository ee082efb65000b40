package frame

import (
	"encoding/binary"
	"fmt"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
)

// Type is the frame-type octet.
type Type uint8

const (
	TypeMethod    Type = 1
	TypeHeader    Type = 2
	TypeBody      Type = 3
	TypeHeartbeat Type = 8
)

const (
	// End is the frame-end octet terminating every frame.
	End = 0xCE

	// HeaderSize is type + channel + payload length.
	HeaderSize = 7

	// Overhead is the number of bytes a frame adds around its payload.
	Overhead = HeaderSize + 1

	// MinFrameMax is the smallest frame-max a peer may negotiate.
	MinFrameMax = 4096
)

func (t Type) String() string {
	switch t {
	case TypeMethod:
		return "METHOD"
	case TypeHeader:
		return "HEADER"
	case TypeBody:
		return "BODY"
	case TypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

type Frame struct {
	Type    Type
	Channel uint16
	Payload []byte
}

// Heartbeat returns the empty heartbeat frame (always on channel 0).
func Heartbeat() *Frame {
	return &Frame{Type: TypeHeartbeat, Channel: 0}
}

// AppendTo appends the wire encoding of f to dst.
func (f *Frame) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(f.Type))
	dst = binary.BigEndian.AppendUint16(dst, f.Channel)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	dst = append(dst, f.Payload...)
	return append(dst, End)
}

// Size is the encoded length of f.
func (f *Frame) Size() int {
	return len(f.Payload) + Overhead
}

// Decode parses exactly one frame from the start of b and returns the number of bytes
// it consumed. A frame whose declared length runs past b, or whose terminator is not
// End, fails with a FramingError.
func Decode(b []byte) (*Frame, int, error) {
	if len(b) < HeaderSize {
		return nil, 0, amqpError.NewFramingError("frame too short: %d bytes", len(b))
	}
	size := int(binary.BigEndian.Uint32(b[3:7]))
	total := HeaderSize + size + 1
	if len(b) < total {
		return nil, 0, amqpError.NewFramingError("truncated frame: declared payload %d, have %d bytes", size, len(b)-Overhead)
	}
	if b[total-1] != End {
		return nil, 0, amqpError.NewFramingError("invalid frame-end octet: %#x", b[total-1])
	}
	f := &Frame{
		Type:    Type(b[0]),
		Channel: binary.BigEndian.Uint16(b[1:3]),
		Payload: append([]byte(nil), b[HeaderSize:HeaderSize+size]...),
	}
	return f, total, nil
}
