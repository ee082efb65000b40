package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
)

// Result is the outcome of ReadFrame.
type Result int

const (
	// Ready means a complete frame was read.
	Ready Result = iota
	// TimedOut means no frame started before the deadline.
	TimedOut
	// WouldBlock means a poll found nothing ready.
	WouldBlock
)

func (r Result) String() string {
	switch r {
	case Ready:
		return "ready"
	case TimedOut:
		return "timeout"
	case WouldBlock:
		return "would-block"
	default:
		return "unknown"
	}
}

// Transport reads and writes whole frames over a single IO. Reads must come from one
// goroutine at a time; writes are serialized internally so the bytes of one call are
// never interleaved with another.
type Transport struct {
	io       IO
	frameMax atomic.Uint32

	writeMu sync.Mutex

	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

func NewTransport(io IO) *Transport {
	t := &Transport{io: io}
	now := time.Now().UnixNano()
	t.lastRead.Store(now)
	t.lastWrite.Store(now)
	return t
}

// IO returns the underlying byte transport.
func (t *Transport) IO() IO { return t.io }

// SetFrameMax bounds the payload size accepted by ReadFrame. Zero means unlimited.
func (t *Transport) SetFrameMax(n uint32) { t.frameMax.Store(n) }

func (t *Transport) FrameMax() uint32 { return t.frameMax.Load() }

// LastRead is the time the last complete frame was read.
func (t *Transport) LastRead() time.Time { return time.Unix(0, t.lastRead.Load()) }

// LastWrite is the time of the last successful write.
func (t *Transport) LastWrite() time.Time { return time.Unix(0, t.lastWrite.Load()) }

// ReadFrame reads one frame. timeout == 0 blocks, timeout > 0 returns TimedOut when no
// frame starts in time, Poll returns WouldBlock when nothing is ready. Once the first
// byte of a frame arrives the rest is read to completion; any error past that point
// leaves the stream unusable and is fatal.
func (t *Transport) ReadFrame(timeout time.Duration) (*Frame, Result, error) {
	ready, err := t.io.Select(timeout)
	if err != nil {
		return nil, Ready, closedError("waiting for frame", err)
	}
	if !ready {
		if timeout < 0 {
			return nil, WouldBlock, nil
		}
		return nil, TimedOut, nil
	}

	header, err := t.io.ReadFull(HeaderSize)
	if err != nil {
		return nil, Ready, closedError("reading frame header", err)
	}
	f := &Frame{
		Type:    Type(header[0]),
		Channel: binary.BigEndian.Uint16(header[1:3]),
	}
	size := binary.BigEndian.Uint32(header[3:7])
	if max := t.frameMax.Load(); max > 0 && uint64(size)+Overhead > uint64(max) {
		return nil, Ready, amqpError.NewFramingError("frame size %d exceeds negotiated max %d", uint64(size)+Overhead, max)
	}

	rest, err := t.io.ReadFull(int(size) + 1)
	if err != nil {
		return nil, Ready, closedError("reading frame payload", err)
	}
	if rest[size] != End {
		return nil, Ready, amqpError.NewFramingError("invalid frame-end octet: %#x", rest[size])
	}
	f.Payload = rest[:size]

	t.lastRead.Store(time.Now().UnixNano())
	return f, Ready, nil
}

// WriteFrames encodes frames into one buffer and writes it in a single call.
func (t *Transport) WriteFrames(frames ...*Frame) error {
	n := 0
	for _, f := range frames {
		n += f.Size()
	}
	buf := make([]byte, 0, n)
	for _, f := range frames {
		buf = f.AppendTo(buf)
	}
	return t.WriteRaw(buf)
}

// WriteRaw writes pre-encoded bytes (protocol header, batches) atomically.
func (t *Transport) WriteRaw(b []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.io.Write(b); err != nil {
		return closedError("writing frames", err)
	}
	t.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (t *Transport) Close() error {
	return t.io.Close()
}

// closedError marks an I/O failure as fatal to the connection.
func closedError(op string, err error) error {
	if errors.Is(err, amqpError.ErrConnectionClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w: %v", op, amqpError.ErrConnectionClosed, err)
	}
	return fmt.Errorf("%s: %w: %w", op, amqpError.ErrConnectionClosed, err)
}
