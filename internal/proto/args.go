package proto

import (
	"time"

	"github.com/aleybovich/carrot-amqp/internal/wire"
)

// args wraps a wire.Reader and keeps the first error so method decoders read as a
// flat list of fields.
type args struct {
	r   *wire.Reader
	err error
}

func (a *args) octet() uint8 {
	if a.err != nil {
		return 0
	}
	v, err := a.r.ReadOctet()
	a.err = err
	return v
}

func (a *args) short() uint16 {
	if a.err != nil {
		return 0
	}
	v, err := a.r.ReadShort()
	a.err = err
	return v
}

func (a *args) long() uint32 {
	if a.err != nil {
		return 0
	}
	v, err := a.r.ReadLong()
	a.err = err
	return v
}

func (a *args) longlong() uint64 {
	if a.err != nil {
		return 0
	}
	v, err := a.r.ReadLonglong()
	a.err = err
	return v
}

func (a *args) bit() bool {
	if a.err != nil {
		return false
	}
	v, err := a.r.ReadBit()
	a.err = err
	return v
}

func (a *args) shortstr() string {
	if a.err != nil {
		return ""
	}
	v, err := a.r.ReadShortstr()
	a.err = err
	return v
}

func (a *args) longstr() string {
	if a.err != nil {
		return ""
	}
	v, err := a.r.ReadLongstr()
	a.err = err
	return v
}

func (a *args) timestamp() time.Time {
	if a.err != nil {
		return time.Time{}
	}
	v, err := a.r.ReadTimestamp()
	a.err = err
	return v
}

func (a *args) table() wire.Table {
	if a.err != nil {
		return nil
	}
	v, err := a.r.ReadTable()
	a.err = err
	return v
}

// more reports whether unread bytes remain; optional trailing fields differ between
// dialects.
func (a *args) more() bool {
	return a.err == nil && a.r.Remaining() > 0
}
