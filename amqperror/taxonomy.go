package amqpError

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the codec, the frame transport and the channel layer.
var (
	// ErrTimeout means no complete frame arrived within a bounded wait. It is retryable
	// and never implies that the channel or connection was closed.
	ErrTimeout = errors.New("amqp: timed out waiting for data")

	// ErrConnectionClosed is returned for operations on a closed connection or after the
	// transport reported a broken pipe.
	ErrConnectionClosed = errors.New("amqp: connection closed")

	// ErrChannelClosed is returned for operations on a closed channel.
	ErrChannelClosed = errors.New("amqp: channel closed")

	// ErrInvalidArgument marks a local precondition failure. Nothing is sent to the broker.
	ErrInvalidArgument = errors.New("amqp: invalid argument")

	// ErrDataRead is returned when a buffer-backed reader runs out of bytes.
	ErrDataRead = errors.New("amqp: read past end of data")

	// ErrNoFreeChannel is returned when every channel id up to channel-max is in use.
	ErrNoFreeChannel = errors.New("amqp: no free channel id")

	// ErrUnknownMethod is returned for a class/method pair missing from the protocol table.
	ErrUnknownMethod = errors.New("amqp: unknown method")

	// ErrUnknownDeliveryTag is returned when the broker acks or nacks a delivery tag the
	// client never assigned or already settled.
	ErrUnknownDeliveryTag = errors.New("amqp: unknown delivery tag")
)

// ProtocolError is a close reported by the broker (channel.close or connection.close).
type ProtocolError struct {
	Code     AmqpError
	Text     string
	ClassID  uint16
	MethodID uint16
	// Hard is true when the error came from connection.close.
	Hard bool
}

func (e *ProtocolError) Error() string {
	scope := "channel"
	if e.Hard {
		scope = "connection"
	}
	return fmt.Sprintf("amqp %s error %d (%s): %s [class=%d method=%d]",
		scope, e.Code.Code(), e.Code, e.Text, e.ClassID, e.MethodID)
}

// Is lets errors.Is match a ProtocolError against the closed sentinels.
func (e *ProtocolError) Is(target error) bool {
	if e.Hard {
		return target == ErrConnectionClosed
	}
	return target == ErrChannelClosed
}

// FramingError is a malformed frame: bad terminator, truncated payload or an
// unexpected frame type. It is always fatal to the connection.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "amqp framing error: " + e.Reason
}

// Is makes every framing error also count as a closed connection.
func (e *FramingError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// NewFramingError formats a FramingError.
func NewFramingError(format string, a ...any) *FramingError {
	return &FramingError{Reason: fmt.Sprintf(format, a...)}
}

// InvalidArgument wraps ErrInvalidArgument with a description of the misuse.
func InvalidArgument(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, a...))
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable reports whether the caller may retry the same operation on the same
// connection. Only timeouts qualify.
func IsRetryable(err error) bool {
	return IsTimeout(err)
}
