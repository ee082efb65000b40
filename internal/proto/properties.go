package proto

import (
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/wire"
)

// Basic content property flags, most significant bit first.
const (
	FlagContentType     uint16 = 0x8000
	FlagContentEncoding uint16 = 0x4000
	FlagHeaders         uint16 = 0x2000
	FlagDeliveryMode    uint16 = 0x1000
	FlagPriority        uint16 = 0x0800
	FlagCorrelationID   uint16 = 0x0400
	FlagReplyTo         uint16 = 0x0200
	FlagExpiration      uint16 = 0x0100
	FlagMessageID       uint16 = 0x0080
	FlagTimestamp       uint16 = 0x0040
	FlagType            uint16 = 0x0020
	FlagUserID          uint16 = 0x0010
	FlagAppID           uint16 = 0x0008
	FlagClusterID       uint16 = 0x0004
)

// Properties are the basic-class content properties. Zero values are absent on the
// wire.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         wire.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
	ClusterID       string
}

// Flags returns the property-flags word for the set properties.
func (p *Properties) Flags() uint16 {
	var flags uint16
	set := func(ok bool, f uint16) {
		if ok {
			flags |= f
		}
	}
	set(p.ContentType != "", FlagContentType)
	set(p.ContentEncoding != "", FlagContentEncoding)
	set(len(p.Headers) > 0, FlagHeaders)
	set(p.DeliveryMode != 0, FlagDeliveryMode)
	set(p.Priority != 0, FlagPriority)
	set(p.CorrelationID != "", FlagCorrelationID)
	set(p.ReplyTo != "", FlagReplyTo)
	set(p.Expiration != "", FlagExpiration)
	set(p.MessageID != "", FlagMessageID)
	set(!p.Timestamp.IsZero(), FlagTimestamp)
	set(p.Type != "", FlagType)
	set(p.UserID != "", FlagUserID)
	set(p.AppID != "", FlagAppID)
	set(p.ClusterID != "", FlagClusterID)
	return flags
}

// ContentHeader is the payload of a header frame.
type ContentHeader struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties Properties
}

// Encode serializes the header frame payload.
func (h *ContentHeader) Encode(v wire.ProtocolVersion) ([]byte, error) {
	w := wire.NewWriter(v)
	w.WriteShort(h.ClassID)
	w.WriteShort(h.Weight)
	w.WriteLonglong(h.BodySize)

	p := &h.Properties
	flags := p.Flags()
	w.WriteShort(flags)
	if flags&FlagContentType != 0 {
		w.WriteShortstr(p.ContentType)
	}
	if flags&FlagContentEncoding != 0 {
		w.WriteShortstr(p.ContentEncoding)
	}
	if flags&FlagHeaders != 0 {
		w.WriteTable(p.Headers)
	}
	if flags&FlagDeliveryMode != 0 {
		w.WriteOctet(p.DeliveryMode)
	}
	if flags&FlagPriority != 0 {
		w.WriteOctet(p.Priority)
	}
	if flags&FlagCorrelationID != 0 {
		w.WriteShortstr(p.CorrelationID)
	}
	if flags&FlagReplyTo != 0 {
		w.WriteShortstr(p.ReplyTo)
	}
	if flags&FlagExpiration != 0 {
		w.WriteShortstr(p.Expiration)
	}
	if flags&FlagMessageID != 0 {
		w.WriteShortstr(p.MessageID)
	}
	if flags&FlagTimestamp != 0 {
		w.WriteTimestamp(p.Timestamp)
	}
	if flags&FlagType != 0 {
		w.WriteShortstr(p.Type)
	}
	if flags&FlagUserID != 0 {
		w.WriteShortstr(p.UserID)
	}
	if flags&FlagAppID != 0 {
		w.WriteShortstr(p.AppID)
	}
	if flags&FlagClusterID != 0 {
		w.WriteShortstr(p.ClusterID)
	}
	return w.Bytes()
}

// DecodeContentHeader parses a header frame payload.
func DecodeContentHeader(payload []byte, v wire.ProtocolVersion) (*ContentHeader, error) {
	a := args{r: wire.NewReader(payload, v)}
	h := &ContentHeader{
		ClassID:  a.short(),
		Weight:   a.short(),
		BodySize: a.longlong(),
	}
	flags := a.short()
	if a.err != nil {
		return nil, amqpError.NewFramingError("content header too short (%d bytes)", len(payload))
	}
	if flags&0x0001 != 0 {
		return nil, amqpError.NewFramingError("continued property flags are not supported")
	}

	p := &h.Properties
	if flags&FlagContentType != 0 {
		p.ContentType = a.shortstr()
	}
	if flags&FlagContentEncoding != 0 {
		p.ContentEncoding = a.shortstr()
	}
	if flags&FlagHeaders != 0 {
		p.Headers = a.table()
	}
	if flags&FlagDeliveryMode != 0 {
		p.DeliveryMode = a.octet()
	}
	if flags&FlagPriority != 0 {
		p.Priority = a.octet()
	}
	if flags&FlagCorrelationID != 0 {
		p.CorrelationID = a.shortstr()
	}
	if flags&FlagReplyTo != 0 {
		p.ReplyTo = a.shortstr()
	}
	if flags&FlagExpiration != 0 {
		p.Expiration = a.shortstr()
	}
	if flags&FlagMessageID != 0 {
		p.MessageID = a.shortstr()
	}
	if flags&FlagTimestamp != 0 {
		p.Timestamp = a.timestamp()
	}
	if flags&FlagType != 0 {
		p.Type = a.shortstr()
	}
	if flags&FlagUserID != 0 {
		p.UserID = a.shortstr()
	}
	if flags&FlagAppID != 0 {
		p.AppID = a.shortstr()
	}
	if flags&FlagClusterID != 0 {
		p.ClusterID = a.shortstr()
	}
	if a.err != nil {
		return nil, amqpError.NewFramingError("malformed content header properties: %v", a.err)
	}
	return h, nil
}
