package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
)

// Writer accumulates AMQP primitives into a byte sequence. The first failure is kept
// and returned by Err and Bytes; later writes become no-ops.
type Writer struct {
	buf bytes.Buffer
	err error

	bits     byte
	bitCount int

	version ProtocolVersion
}

func NewWriter(version ProtocolVersion) *Writer {
	return &Writer{version: version}
}

// Version returns the dialect used for table encoding.
func (w *Writer) Version() ProtocolVersion { return w.version }

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// flushBits writes a pending bit run.
func (w *Writer) flushBits() {
	if w.bitCount > 0 {
		w.buf.WriteByte(w.bits)
		w.bits, w.bitCount = 0, 0
	}
}

// Bytes flushes pending bits and returns the encoded output.
func (w *Writer) Bytes() ([]byte, error) {
	w.flushBits()
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// Len is the number of encoded bytes, pending bits included.
func (w *Writer) Len() int {
	n := w.buf.Len()
	if w.bitCount > 0 {
		n++
	}
	return n
}

func (w *Writer) WriteOctet(v uint8) {
	w.flushBits()
	w.buf.WriteByte(v)
}

func (w *Writer) WriteShort(v uint16) {
	w.flushBits()
	w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

func (w *Writer) WriteLong(v uint32) {
	w.flushBits()
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

func (w *Writer) WriteLonglong(v uint64) {
	w.flushBits()
	w.buf.Write(binary.BigEndian.AppendUint64(nil, v))
}

// WriteBit appends one flag to the current bit run, eight per octet, least
// significant bit first.
func (w *Writer) WriteBit(v bool) {
	if w.bitCount == 8 {
		w.flushBits()
	}
	if v {
		w.bits |= 1 << w.bitCount
	}
	w.bitCount++
}

func (w *Writer) WriteShortstr(s string) {
	if len(s) > math.MaxUint8 {
		w.fail(amqpError.InvalidArgument("short string of %d bytes exceeds 255", len(s)))
		return
	}
	w.WriteOctet(uint8(len(s)))
	w.buf.WriteString(s)
}

func (w *Writer) WriteLongstr(s string) {
	w.WriteLongBytes([]byte(s))
}

func (w *Writer) WriteLongBytes(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.fail(amqpError.InvalidArgument("long string of %d bytes exceeds 2^32-1", len(b)))
		return
	}
	w.WriteLong(uint32(len(b)))
	w.buf.Write(b)
}

// WriteRaw appends bytes verbatim.
func (w *Writer) WriteRaw(b []byte) {
	w.flushBits()
	w.buf.Write(b)
}

func (w *Writer) WriteTimestamp(t time.Time) {
	w.WriteLonglong(uint64(t.Unix()))
}

func (w *Writer) WriteDecimal(d Decimal) {
	w.WriteOctet(d.Scale)
	w.WriteLong(uint32(d.Value))
}

// WriteTable encodes a length-prefixed field table. Keys are written in sorted order.
func (w *Writer) WriteTable(t Table) {
	w.flushBits()
	sub := NewWriter(w.version)
	for _, key := range t.sortedKeys() {
		sub.WriteShortstr(key)
		sub.writeFieldValue(t[key])
		if sub.err != nil {
			w.fail(fmt.Errorf("writing field %q: %w", key, sub.err))
			return
		}
	}
	b, _ := sub.Bytes()
	w.WriteLongBytes(b)
}

// WriteArray encodes a length-prefixed field array.
func (w *Writer) WriteArray(arr []any) {
	w.flushBits()
	if w.version == Version08 {
		w.fail(amqpError.InvalidArgument("field arrays are not supported by protocol 0-8"))
		return
	}
	sub := NewWriter(w.version)
	for i, v := range arr {
		sub.writeFieldValue(v)
		if sub.err != nil {
			w.fail(fmt.Errorf("writing array item %d: %w", i, sub.err))
			return
		}
	}
	b, _ := sub.Bytes()
	w.WriteLongBytes(b)
}

func (w *Writer) writeFieldValue(v any) {
	if w.version == Version08 {
		w.writeFieldValue08(v)
		return
	}
	switch v := v.(type) {
	case bool:
		w.WriteOctet('t')
		if v {
			w.WriteOctet(1)
		} else {
			w.WriteOctet(0)
		}
	case int8:
		w.WriteOctet('b')
		w.WriteOctet(uint8(v))
	case uint8:
		w.WriteOctet('B')
		w.WriteOctet(v)
	case int16:
		w.WriteOctet('s')
		w.WriteShort(uint16(v))
	case uint16:
		w.WriteOctet('u')
		w.WriteShort(v)
	case int32:
		w.WriteOctet('I')
		w.WriteLong(uint32(v))
	case uint32:
		w.WriteOctet('i')
		w.WriteLong(v)
	case int:
		w.writeInt(int64(v))
	case int64:
		w.writeInt(v)
	case uint64:
		if v > math.MaxInt64 {
			w.fail(amqpError.InvalidArgument("table value %d exceeds signed 64-bit range", v))
			return
		}
		w.writeInt(int64(v))
	case float32:
		w.WriteOctet('f')
		w.WriteLong(math.Float32bits(v))
	case float64:
		w.WriteOctet('d')
		w.WriteLonglong(math.Float64bits(v))
	case Decimal:
		w.WriteOctet('D')
		w.WriteDecimal(v)
	case string:
		w.WriteOctet('S')
		w.WriteLongstr(v)
	case []byte:
		w.WriteOctet('x')
		w.WriteLongBytes(v)
	case []any:
		w.WriteOctet('A')
		w.WriteArray(v)
	case time.Time:
		w.WriteOctet('T')
		w.WriteTimestamp(v)
	case Table:
		w.WriteOctet('F')
		w.WriteTable(v)
	case map[string]any:
		w.WriteOctet('F')
		w.WriteTable(Table(v))
	case nil:
		w.WriteOctet('V')
	default:
		w.fail(amqpError.InvalidArgument("unsupported type for field table serialization: %T", v))
	}
}

func (w *Writer) writeInt(v int64) {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		w.WriteOctet('I')
		w.WriteLong(uint32(int32(v)))
		return
	}
	w.WriteOctet('l')
	w.WriteLonglong(uint64(v))
}

// writeFieldValue08 restricts values to the 0-8 type set. Booleans and small integers
// are coerced to 'I'.
func (w *Writer) writeFieldValue08(v any) {
	var n int64
	switch v := v.(type) {
	case bool:
		if v {
			n = 1
		}
	case int8:
		n = int64(v)
	case uint8:
		n = int64(v)
	case int16:
		n = int64(v)
	case uint16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int:
		n = int64(v)
	case int64:
		n = v
	case uint32:
		n = int64(v)
	case string:
		w.WriteOctet('S')
		w.WriteLongstr(v)
		return
	case Decimal:
		w.WriteOctet('D')
		w.WriteDecimal(v)
		return
	case time.Time:
		w.WriteOctet('T')
		w.WriteTimestamp(v)
		return
	case Table:
		w.WriteOctet('F')
		w.WriteTable(v)
		return
	case map[string]any:
		w.WriteOctet('F')
		w.WriteTable(Table(v))
		return
	case nil:
		w.WriteOctet('V')
		return
	default:
		w.fail(amqpError.InvalidArgument("type %T not supported in protocol 0-8 tables", v))
		return
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		w.fail(amqpError.InvalidArgument("integer %d out of range for protocol 0-8 tables", n))
		return
	}
	w.WriteOctet('I')
	w.WriteLong(uint32(int32(n)))
}
