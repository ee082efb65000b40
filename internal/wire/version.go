package wire

// ProtocolVersion selects the AMQP dialect a connection speaks. It is passed to every
// codec, dispatcher and channel explicitly.
type ProtocolVersion int

const (
	Version091 ProtocolVersion = iota
	Version08
)

var (
	header091 = []byte("AMQP\x00\x00\x09\x01")
	header08  = []byte("AMQP\x01\x01\x09\x01")
)

func (v ProtocolVersion) String() string {
	switch v {
	case Version091:
		return "0-9-1"
	case Version08:
		return "0-8"
	default:
		return "unknown"
	}
}

// Header returns the protocol header written at connection start.
func (v ProtocolVersion) Header() []byte {
	if v == Version08 {
		return append([]byte(nil), header08...)
	}
	return append([]byte(nil), header091...)
}

// Major and Minor are the version numbers expected in connection.start.
func (v ProtocolVersion) Major() uint8 {
	if v == Version08 {
		return 8
	}
	return 0
}

func (v ProtocolVersion) Minor() uint8 {
	if v == Version08 {
		return 0
	}
	return 9
}
