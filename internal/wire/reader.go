package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
)

// Reader decodes AMQP primitives from a fixed buffer or from a blocking byte source.
// Every read advances the cursor by exactly the width of the type.
type Reader struct {
	buf []byte
	pos int
	src io.Reader

	bits     byte
	bitCount int

	version ProtocolVersion
}

// NewReader reads from a fixed buffer. Reading past its end fails with ErrDataRead.
func NewReader(b []byte, version ProtocolVersion) *Reader {
	return &Reader{buf: b, version: version}
}

// NewStreamReader reads from a blocking source. Reads block until enough bytes arrive
// or the source fails.
func NewStreamReader(src io.Reader, version ProtocolVersion) *Reader {
	return &Reader{src: src, version: version}
}

// Version returns the dialect used for table decoding.
func (r *Reader) Version() ProtocolVersion { return r.version }

// Remaining returns the number of unread bytes of a buffer-backed reader.
func (r *Reader) Remaining() int {
	if r.src != nil {
		return 0
	}
	return len(r.buf) - r.pos
}

// Rest returns the unread tail of a buffer-backed reader without copying.
func (r *Reader) Rest() []byte {
	if r.src != nil {
		return nil
	}
	return r.buf[r.pos:]
}

func (r *Reader) next(n int) ([]byte, error) {
	r.bitCount = 0
	if r.src != nil {
		b := make([]byte, n)
		if _, err := io.ReadFull(r.src, b); err != nil {
			return nil, fmt.Errorf("reading %d bytes from stream: %w", n, err)
		}
		return b, nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes, %d available", amqpError.ErrDataRead, n, len(r.buf)-r.pos)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadOctet() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadShort() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadLong() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadLonglong returns the unsigned 64-bit value. Delivery tags and body sizes use the
// full unsigned range.
func (r *Reader) ReadLonglong() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadSignedShort() (int16, error) {
	v, err := r.ReadShort()
	return int16(v), err
}

func (r *Reader) ReadSignedLong() (int32, error) {
	v, err := r.ReadLong()
	return int32(v), err
}

func (r *Reader) ReadSignedLonglong() (int64, error) {
	v, err := r.ReadLonglong()
	return int64(v), err
}

func (r *Reader) ReadFloat() (float32, error) {
	v, err := r.ReadLong()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.ReadLonglong()
	return math.Float64frombits(v), err
}

// ReadBit reads one flag of a packed bit run. Consecutive bits share an octet, least
// significant bit first; any other read starts a new run.
func (r *Reader) ReadBit() (bool, error) {
	if r.bitCount == 0 || r.bitCount == 8 {
		b, err := r.next(1)
		if err != nil {
			return false, err
		}
		r.bits = b[0]
		r.bitCount = 0
	}
	v := r.bits&(1<<r.bitCount) != 0
	r.bitCount++
	return v, nil
}

func (r *Reader) ReadShortstr() (string, error) {
	n, err := r.ReadOctet()
	if err != nil {
		return "", fmt.Errorf("reading short string length: %w", err)
	}
	b, err := r.next(int(n))
	if err != nil {
		return "", fmt.Errorf("reading short string data: %w", err)
	}
	return string(b), nil
}

func (r *Reader) ReadLongstr() (string, error) {
	b, err := r.ReadLongBytes()
	return string(b), err
}

// ReadLongBytes reads a long string as raw bytes (copied).
func (r *Reader) ReadLongBytes() ([]byte, error) {
	n, err := r.ReadLong()
	if err != nil {
		return nil, fmt.Errorf("reading long string length: %w", err)
	}
	b, err := r.next(int(n))
	if err != nil {
		return nil, fmt.Errorf("reading long string data: %w", err)
	}
	return append([]byte(nil), b...), nil
}

func (r *Reader) ReadTimestamp() (time.Time, error) {
	v, err := r.ReadLonglong()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(v), 0).UTC(), nil
}

func (r *Reader) ReadDecimal() (Decimal, error) {
	scale, err := r.ReadOctet()
	if err != nil {
		return Decimal{}, fmt.Errorf("reading decimal scale: %w", err)
	}
	v, err := r.ReadSignedLong()
	if err != nil {
		return Decimal{}, fmt.Errorf("reading decimal value: %w", err)
	}
	return Decimal{Scale: scale, Value: v}, nil
}

// ReadTable reads a length-prefixed field table.
func (r *Reader) ReadTable() (Table, error) {
	payload, err := r.ReadLongBytes()
	if err != nil {
		return nil, fmt.Errorf("reading field table: %w", err)
	}
	sub := NewReader(payload, r.version)
	t := make(Table)
	for sub.Remaining() > 0 {
		key, err := sub.ReadShortstr()
		if err != nil {
			return nil, fmt.Errorf("reading field table key: %w", err)
		}
		kind, err := sub.ReadOctet()
		if err != nil {
			return nil, fmt.Errorf("reading type of field %q: %w", key, err)
		}
		v, err := sub.readFieldValue(kind)
		if err != nil {
			return nil, fmt.Errorf("reading value of field %q (type %c): %w", key, kind, err)
		}
		t[key] = v
	}
	return t, nil
}

// ReadArray reads a length-prefixed field array.
func (r *Reader) ReadArray() ([]any, error) {
	payload, err := r.ReadLongBytes()
	if err != nil {
		return nil, fmt.Errorf("reading field array: %w", err)
	}
	sub := NewReader(payload, r.version)
	arr := make([]any, 0)
	for sub.Remaining() > 0 {
		kind, err := sub.ReadOctet()
		if err != nil {
			return nil, fmt.Errorf("reading type in field array: %w", err)
		}
		v, err := sub.readFieldValue(kind)
		if err != nil {
			return nil, fmt.Errorf("reading value in field array (type %c): %w", kind, err)
		}
		arr = append(arr, v)
	}
	return arr, nil
}

func (r *Reader) readFieldValue(kind byte) (any, error) {
	switch kind {
	case 'S':
		return r.ReadLongstr()
	case 'I':
		return r.ReadSignedLong()
	case 'D':
		return r.ReadDecimal()
	case 'T':
		return r.ReadTimestamp()
	case 'F':
		return r.ReadTable()
	case 'V':
		return nil, nil
	}
	if r.version == Version08 {
		return nil, fmt.Errorf("%w: field type %q not supported by protocol 0-8", amqpError.ErrInvalidArgument, kind)
	}
	switch kind {
	case 't':
		b, err := r.ReadOctet()
		return b != 0, err
	case 'b':
		b, err := r.ReadOctet()
		return int8(b), err
	case 'B':
		return r.ReadOctet()
	case 's':
		return r.ReadSignedShort()
	case 'u':
		return r.ReadShort()
	case 'i':
		return r.ReadLong()
	case 'l':
		return r.ReadSignedLonglong()
	case 'f':
		return r.ReadFloat()
	case 'd':
		return r.ReadDouble()
	case 'x':
		return r.ReadLongBytes()
	case 'A':
		return r.ReadArray()
	default:
		return nil, fmt.Errorf("%w: unknown field type %q", amqpError.ErrInvalidArgument, kind)
	}
}
