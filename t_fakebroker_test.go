package carrot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/aleybovich/carrot-amqp/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeBroker is a scripted broker on a loopback listener. Each accepted connection is
// driven by one script running in its own goroutine; a script failure is reported by
// wait.
type fakeBroker struct {
	t       *testing.T
	ln      net.Listener
	version wire.ProtocolVersion
	done    chan error
}

// brokerFailure aborts a script from inside a helper.
type brokerFailure struct{ err error }

func newFakeBroker(t *testing.T, v wire.ProtocolVersion) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &fakeBroker{t: t, ln: ln, version: v, done: make(chan error, 1)}
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBroker) addr() string { return b.ln.Addr().String() }

// run accepts one connection and plays script against it.
func (b *fakeBroker) run(script func(s *brokerSession)) {
	go func() {
		b.done <- b.serve(script)
	}()
}

func (b *fakeBroker) serve(script func(s *brokerSession)) (err error) {
	conn, err := b.ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()

	sio := frame.NewConnIO(conn)
	sio.ReadTimeout = 5 * time.Second
	sio.WriteTimeout = 5 * time.Second
	s := &brokerSession{
		conn:      conn,
		io:        sio,
		transport: frame.NewTransport(sio),
		registry:  proto.For(b.version),
	}

	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(brokerFailure)
			if !ok {
				panic(r)
			}
			err = f.err
		}
	}()
	script(s)
	return nil
}

// wait returns the script's result.
func (b *fakeBroker) wait() error {
	select {
	case err := <-b.done:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("broker script did not finish")
	}
}

type brokerSession struct {
	conn      net.Conn
	io        *frame.SocketIO
	transport *frame.Transport
	registry  *proto.Registry
}

func (s *brokerSession) fail(format string, a ...any) {
	panic(brokerFailure{err: fmt.Errorf(format, a...)})
}

// readHeader reads the 8-byte protocol header.
func (s *brokerSession) readHeader() []byte {
	b, err := s.io.ReadFull(8)
	if err != nil {
		s.fail("reading protocol header: %v", err)
	}
	return b
}

// frame reads the next non-heartbeat frame.
func (s *brokerSession) frame() *frame.Frame {
	for {
		f, res, err := s.transport.ReadFrame(0)
		if err != nil {
			s.fail("reading frame: %v", err)
		}
		if res != frame.Ready {
			s.fail("reading frame: %s", res)
		}
		if f.Type != frame.TypeHeartbeat {
			return f
		}
	}
}

// expect reads the next method and checks its signature and channel.
func (s *brokerSession) expect(channel uint16, sig proto.Signature) proto.Method {
	f := s.frame()
	if f.Type != frame.TypeMethod {
		s.fail("expected %s on channel %d, got %s frame", sig, channel, f.Type)
	}
	m, err := s.registry.Decode(f.Payload)
	if err != nil {
		s.fail("decoding %s: %v", sig, err)
	}
	if m.ID() != sig || f.Channel != channel {
		s.fail("expected %s on channel %d, got %s on channel %d", sig, channel, m.ID(), f.Channel)
	}
	return m
}

// expectContent reads a content method plus its header and body frames.
func (s *brokerSession) expectContent(channel uint16, sig proto.Signature) (proto.Method, *proto.ContentHeader, []byte, int) {
	m := s.expect(channel, sig)
	f := s.frame()
	if f.Type != frame.TypeHeader {
		s.fail("expected content header after %s, got %s", sig, f.Type)
	}
	hdr, err := proto.DecodeContentHeader(f.Payload, s.registry.Version())
	if err != nil {
		s.fail("decoding content header: %v", err)
	}
	var body []byte
	frames := 0
	for uint64(len(body)) < hdr.BodySize {
		f := s.frame()
		if f.Type != frame.TypeBody {
			s.fail("expected body frame, got %s", f.Type)
		}
		body = append(body, f.Payload...)
		frames++
	}
	return m, hdr, body, frames
}

func (s *brokerSession) send(channel uint16, m proto.Method) {
	payload, err := s.registry.Encode(m)
	if err != nil {
		s.fail("encoding %s: %v", m.ID(), err)
	}
	if err := s.transport.WriteFrames(&frame.Frame{Type: frame.TypeMethod, Channel: channel, Payload: payload}); err != nil {
		s.fail("writing %s: %v", m.ID(), err)
	}
}

func (s *brokerSession) sendContent(channel uint16, m proto.Method, props proto.Properties, body []byte) {
	payload, err := s.registry.Encode(m)
	if err != nil {
		s.fail("encoding %s: %v", m.ID(), err)
	}
	hdr := proto.ContentHeader{ClassID: proto.ClassBasic, BodySize: uint64(len(body)), Properties: props}
	hp, err := hdr.Encode(s.registry.Version())
	if err != nil {
		s.fail("encoding content header: %v", err)
	}
	frames := []*frame.Frame{
		{Type: frame.TypeMethod, Channel: channel, Payload: payload},
		{Type: frame.TypeHeader, Channel: channel, Payload: hp},
	}
	if len(body) > 0 {
		frames = append(frames, &frame.Frame{Type: frame.TypeBody, Channel: channel, Payload: body})
	}
	if err := s.transport.WriteFrames(frames...); err != nil {
		s.fail("writing %s: %v", m.ID(), err)
	}
}

func (s *brokerSession) sendRaw(b []byte) {
	if err := s.transport.WriteRaw(b); err != nil {
		s.fail("writing raw bytes: %v", err)
	}
}

type tuneParams struct {
	channelMax uint16
	frameMax   uint32
	heartbeat  uint16
}

var defaultTune = tuneParams{channelMax: 2047, frameMax: 131072}

// handshake plays the broker side of a successful connection handshake and returns
// the client's start-ok.
func (s *brokerSession) handshake(tune tuneParams) *proto.ConnectionStartOkMethod {
	v := s.registry.Version()
	if got := s.readHeader(); string(got) != string(v.Header()) {
		s.fail("protocol header %q, want %q", got, v.Header())
	}
	s.send(0, &proto.ConnectionStartMethod{
		VersionMajor:     v.Major(),
		VersionMinor:     v.Minor(),
		ServerProperties: wire.Table{"product": "fake-broker"},
		Mechanisms:       "PLAIN AMQPLAIN",
		Locales:          "en_US",
	})
	startOk := s.expect(0, proto.ConnectionStartOk).(*proto.ConnectionStartOkMethod)
	s.send(0, &proto.ConnectionTuneMethod{ChannelMax: tune.channelMax, FrameMax: tune.frameMax, Heartbeat: tune.heartbeat})
	s.expect(0, proto.ConnectionTuneOk)
	s.expect(0, proto.ConnectionOpen)
	s.send(0, &proto.ConnectionOpenOkMethod{})
	return startOk
}

func (s *brokerSession) openChannel(id uint16) {
	s.expect(id, proto.ChannelOpen)
	s.send(id, &proto.ChannelOpenOkMethod{})
}

// closeConnection answers the client's connection.close.
func (s *brokerSession) closeConnection() {
	s.expect(0, proto.ConnectionClose)
	s.send(0, &proto.Empty{Sig: proto.ConnectionCloseOk})
}

func (s *brokerSession) closeChannel(id uint16) {
	s.expect(id, proto.ChannelClose)
	s.send(id, &proto.Empty{Sig: proto.ChannelCloseOk})
}

// dialFake connects to b with heartbeats disabled unless opts say otherwise.
func dialFake(t *testing.T, b *fakeBroker, opts ...Option) *Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := []Option{WithHeartbeat(0), WithProtocolVersion(b.version)}
	conn, err := Dial(ctx, b.addr(), append(base, opts...)...)
	require.NoError(t, err)
	return conn
}
