package amqpError

// AmqpError represents AMQP protocol reply codes as carried by channel.close and
// connection.close.
type AmqpError uint16

// AMQP reply code constants
const (
	// ReplySuccess - Used for a clean, application-initiated close
	ReplySuccess AmqpError = 200

	// ContentTooLarge - The broker refused a message body larger than it accepts
	ContentTooLarge AmqpError = 311

	// NoRoute - Used when mandatory messages cannot be routed
	NoRoute AmqpError = 312

	// NoConsumers - Used when immediate messages have no consumer ready
	NoConsumers AmqpError = 313

	// ConnectionForced - The broker or an operator forced the connection closed
	ConnectionForced AmqpError = 320

	// InvalidPath - Unknown virtual host
	InvalidPath AmqpError = 402

	// AccessRefused - Used for vhost access denied, exclusive queue from another connection
	AccessRefused AmqpError = 403

	// NotFound - Used for missing exchanges, queues, bindings, consumers
	NotFound AmqpError = 404

	// ResourceLocked - Used when exclusive queue is accessed by another consumer
	ResourceLocked AmqpError = 405

	// PreconditionFailed - Used for property mismatches, unknown delivery tags, if-unused/if-empty conditions
	PreconditionFailed AmqpError = 406

	// FrameError - Malformed frame
	FrameError AmqpError = 501

	// SyntaxError - Used for malformed method arguments
	SyntaxError AmqpError = 502

	// CommandInvalid - Used for invalid commands (e.g., non-Connection class on channel 0)
	CommandInvalid AmqpError = 503

	// ChannelError - Used for channel-related errors
	ChannelError AmqpError = 504

	// UnexpectedFrame - Used for frames received in wrong order
	UnexpectedFrame AmqpError = 505

	// ResourceError - Used for resource limits
	ResourceError AmqpError = 506

	// NotAllowed - Used for duplicate consumer tags and forbidden operations
	NotAllowed AmqpError = 530

	// NotImplemented - Used for unimplemented methods
	NotImplemented AmqpError = 540

	// InternalError - Broker-side internal failure
	InternalError AmqpError = 541
)

func (e AmqpError) Code() uint16 {
	return uint16(e)
}

// IsHard reports whether the reply code is a connection-level ("hard") error.
// Soft errors only close the channel they were raised on.
func (e AmqpError) IsHard() bool {
	switch e {
	case ConnectionForced, InvalidPath, FrameError, SyntaxError, CommandInvalid,
		ChannelError, UnexpectedFrame, ResourceError, NotAllowed, NotImplemented, InternalError:
		return true
	default:
		return false
	}
}

// String returns the error string representation of the AmqpError
func (e AmqpError) String() string {
	switch e {
	case ReplySuccess:
		return "REPLY_SUCCESS"
	case ContentTooLarge:
		return "CONTENT_TOO_LARGE"
	case NoRoute:
		return "NO_ROUTE"
	case NoConsumers:
		return "NO_CONSUMERS"
	case ConnectionForced:
		return "CONNECTION_FORCED"
	case InvalidPath:
		return "INVALID_PATH"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case PreconditionFailed:
		return "PRECONDITION_FAILED"
	case FrameError:
		return "FRAME_ERROR"
	case SyntaxError:
		return "SYNTAX_ERROR"
	case CommandInvalid:
		return "COMMAND_INVALID"
	case ChannelError:
		return "CHANNEL_ERROR"
	case UnexpectedFrame:
		return "UNEXPECTED_FRAME"
	case ResourceError:
		return "RESOURCE_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}
