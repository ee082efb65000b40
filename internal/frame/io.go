package frame

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
)

// Poll is the Select/ReadFrame timeout meaning "return immediately if nothing is ready".
// A zero timeout blocks indefinitely.
const Poll time.Duration = -1

// pollWindow is how long a poll waits for bytes already in flight.
const pollWindow = time.Millisecond

// IO is the byte-level transport under the frame layer.
type IO interface {
	Connect(ctx context.Context) error
	// ReadFull reads exactly n bytes.
	ReadFull(n int) ([]byte, error)
	// Write writes all of p or fails.
	Write(p []byte) error
	// Select waits until at least one byte can be read. It returns false when the
	// timeout expires first. timeout == 0 blocks, timeout < 0 polls.
	Select(timeout time.Duration) (bool, error)
	Close() error
}

// SocketIO is a TCP (optionally TLS) IO with independent read and write timeouts.
type SocketIO struct {
	Addr           string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// NewSocketIO returns an unconnected socket transport for addr ("host:port").
func NewSocketIO(addr string) *SocketIO {
	return &SocketIO{Addr: addr}
}

// NewConnIO wraps an already established connection.
func NewConnIO(conn net.Conn) *SocketIO {
	return &SocketIO{
		Addr:   conn.RemoteAddr().String(),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (s *SocketIO) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: s.ConnectTimeout, KeepAlive: s.KeepAlive}
	var (
		conn net.Conn
		err  error
	)
	if s.TLSConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", s.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.Addr)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.Addr, err)
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	return nil
}

func (s *SocketIO) current() (net.Conn, *bufio.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, nil, amqpError.ErrConnectionClosed
	}
	return s.conn, s.reader, nil
}

func (s *SocketIO) ReadFull(n int) ([]byte, error) {
	conn, reader, err := s.current()
	if err != nil {
		return nil, err
	}
	if s.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SocketIO) Write(p []byte) error {
	conn, _, err := s.current()
	if err != nil {
		return err
	}
	if s.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(p)
	return err
}

func (s *SocketIO) Select(timeout time.Duration) (bool, error) {
	conn, reader, err := s.current()
	if err != nil {
		return false, err
	}
	if reader.Buffered() > 0 {
		return true, nil
	}

	var deadline time.Time
	switch {
	case timeout < 0:
		deadline = time.Now().Add(pollWindow)
	case timeout > 0:
		deadline = time.Now().Add(timeout)
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	if _, err := reader.Peek(1); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SocketIO) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.reader = nil
	return err
}
