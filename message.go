package carrot

import (
	"fmt"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/aleybovich/carrot-amqp/internal/wire"
)

type (
	// Table is an AMQP field table.
	Table = wire.Table
	// Decimal is an AMQP decimal field value.
	Decimal = wire.Decimal
	// Properties are the basic content properties of a message.
	Properties = proto.Properties
	// ProtocolVersion selects the 0-9-1 or 0-8 dialect.
	ProtocolVersion = wire.ProtocolVersion
)

const (
	Version091 = wire.Version091
	Version08  = wire.Version08
)

const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Message is a body plus content properties. Delivery is set only on messages
// received from the broker.
type Message struct {
	Body []byte
	Properties
	Delivery *DeliveryInfo
}

// DeliveryInfo describes how a received message reached the client.
type DeliveryInfo struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	// MessageCount is set for basic.get-ok.
	MessageCount uint32
	// ReplyCode and ReplyText are set for basic.return.
	ReplyCode uint16
	ReplyText string

	channel *Channel
}

// NewMessage builds a message for publishing.
func NewMessage(body []byte, props Properties) *Message {
	return &Message{Body: body, Properties: props}
}

// Get returns a property by its AMQP name (content_type, delivery_mode, ...). The
// second result is false when the property is absent.
func (m *Message) Get(name string) (any, bool) {
	p := &m.Properties
	switch name {
	case "content_type":
		return p.ContentType, p.ContentType != ""
	case "content_encoding":
		return p.ContentEncoding, p.ContentEncoding != ""
	case "application_headers", "headers":
		return p.Headers, len(p.Headers) > 0
	case "delivery_mode":
		return p.DeliveryMode, p.DeliveryMode != 0
	case "priority":
		return p.Priority, p.Priority != 0
	case "correlation_id":
		return p.CorrelationID, p.CorrelationID != ""
	case "reply_to":
		return p.ReplyTo, p.ReplyTo != ""
	case "expiration":
		return p.Expiration, p.Expiration != ""
	case "message_id":
		return p.MessageID, p.MessageID != ""
	case "timestamp":
		return p.Timestamp, !p.Timestamp.IsZero()
	case "type":
		return p.Type, p.Type != ""
	case "user_id":
		return p.UserID, p.UserID != ""
	case "app_id":
		return p.AppID, p.AppID != ""
	case "cluster_id":
		return p.ClusterID, p.ClusterID != ""
	}
	return nil, false
}

// Set assigns a property by its AMQP name. Unknown names, wrong types and
// out-of-range numbers fail with ErrInvalidArgument.
func (m *Message) Set(name string, value any) error {
	p := &m.Properties
	switch name {
	case "content_type":
		return setString(&p.ContentType, name, value)
	case "content_encoding":
		return setString(&p.ContentEncoding, name, value)
	case "application_headers", "headers":
		switch v := value.(type) {
		case wire.Table:
			p.Headers = v
		case map[string]any:
			p.Headers = wire.Table(v)
		default:
			return amqpError.InvalidArgument("%s must be a table, got %T", name, value)
		}
		return nil
	case "delivery_mode":
		return setOctet(&p.DeliveryMode, name, value)
	case "priority":
		return setOctet(&p.Priority, name, value)
	case "correlation_id":
		return setString(&p.CorrelationID, name, value)
	case "reply_to":
		return setString(&p.ReplyTo, name, value)
	case "expiration":
		return setString(&p.Expiration, name, value)
	case "message_id":
		return setString(&p.MessageID, name, value)
	case "timestamp":
		t, ok := value.(time.Time)
		if !ok {
			return amqpError.InvalidArgument("%s must be a time.Time, got %T", name, value)
		}
		p.Timestamp = t
		return nil
	case "type":
		return setString(&p.Type, name, value)
	case "user_id":
		return setString(&p.UserID, name, value)
	case "app_id":
		return setString(&p.AppID, name, value)
	case "cluster_id":
		return setString(&p.ClusterID, name, value)
	}
	return amqpError.InvalidArgument("unknown message property %q", name)
}

func setString(dst *string, name string, value any) error {
	s, ok := value.(string)
	if !ok {
		return amqpError.InvalidArgument("%s must be a string, got %T", name, value)
	}
	if len(s) > 255 {
		return amqpError.InvalidArgument("%s is %d bytes, longer than a short string", name, len(s))
	}
	*dst = s
	return nil
}

func setOctet(dst *uint8, name string, value any) error {
	var n int64
	switch v := value.(type) {
	case uint8:
		*dst = v
		return nil
	case int:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	default:
		return amqpError.InvalidArgument("%s must be an integer, got %T", name, value)
	}
	if n < 0 || n > 255 {
		return amqpError.InvalidArgument("%s out of range 0..255: %d", name, n)
	}
	*dst = uint8(n)
	return nil
}

// Ack acknowledges a received message on the channel it arrived on.
func (m *Message) Ack(multiple bool) error {
	ch, err := m.deliveryChannel()
	if err != nil {
		return err
	}
	return ch.Ack(m.Delivery.DeliveryTag, multiple)
}

// Nack negatively acknowledges a received message.
func (m *Message) Nack(multiple, requeue bool) error {
	ch, err := m.deliveryChannel()
	if err != nil {
		return err
	}
	return ch.Nack(m.Delivery.DeliveryTag, multiple, requeue)
}

// Reject rejects a received message.
func (m *Message) Reject(requeue bool) error {
	ch, err := m.deliveryChannel()
	if err != nil {
		return err
	}
	return ch.Reject(m.Delivery.DeliveryTag, requeue)
}

func (m *Message) deliveryChannel() (*Channel, error) {
	if m.Delivery == nil || m.Delivery.channel == nil {
		return nil, amqpError.InvalidArgument("message was not received from a channel")
	}
	return m.Delivery.channel, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{body=%d bytes, content_type=%q, delivery_mode=%d}",
		len(m.Body), m.ContentType, m.DeliveryMode)
}
