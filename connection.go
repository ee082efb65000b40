package carrot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/aleybovich/carrot-amqp/internal/wire"
	"github.com/aleybovich/carrot-amqp/logger"
	"github.com/aleybovich/carrot-amqp/metrics"
	"github.com/google/uuid"
)

// State is the lifecycle state of a Connection or Channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Connection is one physical connection to a broker. Channel 0 is the connection
// itself; user channels are opened with Channel.
type Connection struct {
	addr     string
	session  string
	dial     func(addr string) frame.IO
	opts     *options
	logger   logger.Logger
	metrics  *metrics.Collector
	registry *proto.Registry

	io        frame.IO
	transport *frame.Transport

	// reader is a one-slot semaphore held by whichever goroutine reads the socket.
	reader  chan struct{}
	queueMu sync.Mutex

	mu       sync.Mutex
	state    State
	closeErr error
	channels map[uint16]*Channel
	d        *dispatcher
	hb       *heartbeater

	channelMax       uint16
	frameMax         uint32
	heartbeat        uint16
	serverProperties wire.Table
	knownHosts       string

	blocked atomic.Bool
}

// redirectError carries a 0-8 connection.redirect out of the handshake.
type redirectError struct {
	host       string
	knownHosts string
}

func (e *redirectError) Error() string {
	return fmt.Sprintf("amqp: redirected to %s", e.host)
}

func newConnection(addr string, dial func(string) frame.IO, opts ...Option) *Connection {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	session := uuid.NewString()
	return &Connection{
		addr:     addr,
		session:  session,
		dial:     dial,
		opts:     o,
		logger:   logger.With(o.logger, "session", session),
		metrics:  o.metrics,
		registry: proto.For(o.version),
		channels: make(map[uint16]*Channel),
		reader:   make(chan struct{}, 1),
	}
}

func (c *Connection) socketIO(addr string) frame.IO {
	s := frame.NewSocketIO(addr)
	s.TLSConfig = c.opts.tls
	s.ConnectTimeout = c.opts.connectTimeout
	s.ReadTimeout = c.opts.readTimeout
	s.WriteTimeout = c.opts.writeTimeout
	s.KeepAlive = 30 * time.Second
	return s
}

// connect runs the handshake, following at most one 0-8 redirect.
func (c *Connection) connect(ctx context.Context) error {
	redirected := false
	for {
		err := c.handshake(ctx)
		var r *redirectError
		if errors.As(err, &r) && !redirected && c.dial != nil {
			redirected = true
			c.logger.Info("Broker at %s redirected us to %s", c.addr, r.host)
			c.addr = withDefaultPort(r.host)
			continue
		}
		return err
	}
}

func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(DefaultPort))
}

func (c *Connection) handshake(ctx context.Context) error {
	if c.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.connectTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.dial != nil {
		c.io = c.dial(c.addr)
	}
	c.transport = frame.NewTransport(c.io)
	c.transport.SetFrameMax(frame.MinFrameMax)
	c.state = StateConnecting
	c.closeErr = nil
	c.channels = make(map[uint16]*Channel)
	c.d = c.newConnectionDispatcher()
	c.blocked.Store(false)
	c.mu.Unlock()

	if err := c.io.Connect(ctx); err != nil {
		return c.abort(fmt.Errorf("connecting to %s: %w", c.addr, err))
	}
	c.logger.Info("Connected to %s, speaking AMQP %s", c.addr, c.opts.version)

	if err := c.transport.WriteRaw(c.opts.version.Header()); err != nil {
		return c.abort(fmt.Errorf("writing protocol header: %w", err))
	}

	remaining := func() time.Duration {
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d > 0 {
				return d
			}
			return time.Nanosecond
		}
		return 0
	}

	res, err := c.d.wait([]proto.Signature{proto.ConnectionStart}, false, remaining())
	if err != nil {
		return c.abort(fmt.Errorf("waiting for connection.start: %w", err))
	}
	start := res.(*proto.ConnectionStartMethod)
	if start.VersionMajor != c.opts.version.Major() || start.VersionMinor != c.opts.version.Minor() {
		c.logger.Warn("Broker reports protocol %d-%d while we speak %s",
			start.VersionMajor, start.VersionMinor, c.opts.version)
	}
	c.serverProperties = start.ServerProperties

	mechanism := c.opts.mechanism
	if !containsWord(start.Mechanisms, mechanism) {
		return c.abort(fmt.Errorf("broker does not offer %s authentication (offers %q)", mechanism, start.Mechanisms))
	}
	response, err := authResponse(mechanism, c.opts.username, c.opts.password, c.opts.version)
	if err != nil {
		return c.abort(err)
	}
	if err := c.send(0, &proto.ConnectionStartOkMethod{
		ClientProperties: c.opts.clientProperties(),
		Mechanism:        mechanism,
		Response:         response,
		Locale:           c.opts.locale,
	}); err != nil {
		return c.abort(err)
	}

	var tune *proto.ConnectionTuneMethod
	for tune == nil {
		res, err := c.d.wait([]proto.Signature{proto.ConnectionSecure, proto.ConnectionTune}, false, remaining())
		if err != nil {
			return c.abort(fmt.Errorf("waiting for connection.tune: %w", err))
		}
		switch m := res.(type) {
		case *proto.ConnectionSecureMethod:
			if c.opts.responder == nil {
				return c.abort(fmt.Errorf("broker sent a connection.secure challenge and no responder is configured"))
			}
			answer, err := c.opts.responder(m.Challenge)
			if err != nil {
				return c.abort(fmt.Errorf("answering connection.secure: %w", err))
			}
			if err := c.send(0, &proto.ConnectionSecureOkMethod{Response: answer}); err != nil {
				return c.abort(err)
			}
		case *proto.ConnectionTuneMethod:
			tune = m
		}
	}

	channelMax := negotiate(c.opts.channelMax, tune.ChannelMax)
	frameMax := negotiate(c.opts.frameMax, tune.FrameMax)
	heartbeat := negotiate(c.opts.heartbeat, tune.Heartbeat)
	if frameMax != 0 && frameMax < frame.MinFrameMax {
		return c.abort(amqpError.InvalidArgument("negotiated frame-max %d is below the protocol minimum %d", frameMax, frame.MinFrameMax))
	}
	c.mu.Lock()
	c.channelMax, c.frameMax, c.heartbeat = channelMax, frameMax, heartbeat
	c.mu.Unlock()
	c.transport.SetFrameMax(frameMax)
	c.logger.Info("Tuned connection: channel-max=%d frame-max=%d heartbeat=%ds", channelMax, frameMax, heartbeat)

	if err := c.send(0, proto.NewTuneOk(channelMax, frameMax, heartbeat)); err != nil {
		return c.abort(err)
	}
	if err := c.send(0, &proto.ConnectionOpenMethod{VirtualHost: c.opts.vhost, Insist: c.opts.insist}); err != nil {
		return c.abort(err)
	}

	allowed := []proto.Signature{proto.ConnectionOpenOk}
	if c.registry.Supports(proto.ConnectionRedirect) {
		allowed = append(allowed, proto.ConnectionRedirect)
	}
	res, err = c.d.wait(allowed, false, remaining())
	if err != nil {
		return c.abort(fmt.Errorf("waiting for connection.open-ok: %w", err))
	}
	if r, ok := res.(*proto.ConnectionRedirectMethod); ok {
		return c.abort(&redirectError{host: r.Host, knownHosts: r.KnownHosts})
	}
	c.knownHosts = res.(*proto.ConnectionOpenOkMethod).KnownHosts

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	if heartbeat > 0 {
		c.startHeartbeat(time.Duration(heartbeat) * time.Second)
	}
	c.logger.Info("Connection to %s open (vhost %q)", c.addr, c.opts.vhost)
	return nil
}

// abort tears down a half-open connection and leaves it disconnected.
func (c *Connection) abort(err error) error {
	c.shutdown(err)
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Err("Handshake with %s failed: %v", c.addr, err)
	return err
}

func (c *Connection) newConnectionDispatcher() *dispatcher {
	d := newDispatcher(c, 0)
	d.reply(
		proto.ConnectionStart,
		proto.ConnectionSecure,
		proto.ConnectionTune,
		proto.ConnectionOpenOk,
		proto.ConnectionRedirect,
		proto.ConnectionCloseOk,
	)
	d.handle(proto.ConnectionClose, c.onClose)
	d.handle(proto.ConnectionBlocked, c.onBlocked)
	d.handle(proto.ConnectionUnblocked, c.onUnblocked)
	return d
}

func (c *Connection) onClose(in *inbound) (any, error) {
	m := in.method.(*proto.CloseMethod)
	perr := &amqpError.ProtocolError{
		Code:     amqpError.AmqpError(m.ReplyCode),
		Text:     m.ReplyText,
		ClassID:  m.ClassID,
		MethodID: m.MethodID,
		Hard:     true,
	}
	c.logger.Err("Broker closed the connection: %v", perr)
	if err := c.send(0, &proto.Empty{Sig: proto.ConnectionCloseOk}); err != nil {
		c.logger.Warn("Sending connection.close-ok: %v", err)
	}
	c.shutdown(perr)
	return nil, perr
}

func (c *Connection) onBlocked(in *inbound) (any, error) {
	reason := in.method.(*proto.ConnectionBlockedMethod).Reason
	c.blocked.Store(true)
	c.logger.Warn("Connection blocked by broker: %s", reason)
	if c.opts.onBlocked != nil {
		c.opts.onBlocked(reason)
	}
	return nil, nil
}

func (c *Connection) onUnblocked(*inbound) (any, error) {
	c.blocked.Store(false)
	c.logger.Info("Connection unblocked by broker")
	if c.opts.onUnblocked != nil {
		c.opts.onUnblocked()
	}
	return nil, nil
}

// negotiate applies the tuning rule shared by channel-max, frame-max and heartbeat:
// zero on either side defers to the other side, otherwise the smaller value wins.
func negotiate[T ~uint16 | ~uint32](client, server T) T {
	switch {
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

func containsWord(list, word string) bool {
	for _, w := range strings.Fields(list) {
		if w == word {
			return true
		}
	}
	return false
}

func authResponse(mechanism, username, password string, v wire.ProtocolVersion) (string, error) {
	switch mechanism {
	case "PLAIN":
		return "\x00" + username + "\x00" + password, nil
	case "AMQPLAIN":
		w := wire.NewWriter(v)
		w.WriteTable(wire.Table{"LOGIN": username, "PASSWORD": password})
		b, err := w.Bytes()
		if err != nil {
			return "", err
		}
		// The response is the table body without its length prefix.
		return string(b[4:]), nil
	default:
		return "", amqpError.InvalidArgument("unsupported auth mechanism %q", mechanism)
	}
}

// Channel opens a new channel on the first free id.
func (c *Connection) Channel() (*Channel, error) {
	c.mu.Lock()
	if c.state != StateOpen {
		err := c.stateError()
		c.mu.Unlock()
		return nil, err
	}
	id, err := c.freeChannelIDLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := newChannel(c, id)
	c.channels[id] = ch
	c.mu.Unlock()

	if err := ch.open(); err != nil {
		c.releaseChannel(id)
		return nil, err
	}
	return ch, nil
}

func (c *Connection) freeChannelIDLocked() (uint16, error) {
	max := int(c.channelMax)
	if max == 0 {
		max = 65535
	}
	for id := 1; id <= max; id++ {
		if _, used := c.channels[uint16(id)]; !used {
			return uint16(id), nil
		}
	}
	return 0, fmt.Errorf("%w: all %d channels are in use", amqpError.ErrNoFreeChannel, max)
}

func (c *Connection) releaseChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

func (c *Connection) dispatcherFor(id uint16) *dispatcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 {
		return c.d
	}
	if ch, ok := c.channels[id]; ok {
		return ch.d
	}
	return nil
}

// Close closes every channel, runs the connection.close handshake and releases the
// socket. Errors from closing individual channels are logged and dropped.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state != StateOpen {
		err := c.stateError()
		c.mu.Unlock()
		return err
	}
	c.state = StateClosing
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Close(); err != nil {
			c.logger.Warn("Closing channel %d during connection close: %v", ch.ID(), err)
		}
	}

	err := c.send(0, proto.NewConnectionClose(amqpError.ReplySuccess.Code(), "Goodbye", 0, 0))
	if err == nil {
		_, err = c.d.wait([]proto.Signature{proto.ConnectionCloseOk}, false, c.opts.closeTimeout)
	}
	c.shutdown(nil)
	if c.opts.ownsJournal {
		if jerr := c.opts.journal.Close(); jerr != nil {
			c.logger.Warn("Closing confirm journal: %v", jerr)
		}
	}
	if err != nil {
		return fmt.Errorf("closing connection: %w", err)
	}
	c.logger.Info("Connection to %s closed", c.addr)
	return nil
}

// shutdown marks the connection closed with cause, closes every channel locally and
// releases the transport. It is safe to call more than once.
func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDisconnected && c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	if cause == nil {
		cause = amqpError.ErrConnectionClosed
	}
	c.state = StateClosed
	c.closeErr = cause
	channels := c.channels
	c.channels = make(map[uint16]*Channel)
	d := c.d
	hb := c.hb
	c.hb = nil
	transport := c.transport
	c.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	for _, ch := range channels {
		ch.markClosed(cause)
		ch.d.notify()
	}
	if d != nil {
		d.notify()
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Debug("Closing transport: %v", err)
		}
	}
}

// fail records a fatal transport or framing error and closes the connection. The
// returned error always matches ErrConnectionClosed.
func (c *Connection) fail(err error) error {
	if !errors.Is(err, amqpError.ErrConnectionClosed) {
		err = fmt.Errorf("%w: %w", amqpError.ErrConnectionClosed, err)
	}
	c.mu.Lock()
	already := c.state == StateClosed
	c.mu.Unlock()
	if !already {
		c.logger.Err("Connection to %s failed: %v", c.addr, err)
	}
	c.shutdown(err)
	return err
}

// stateError describes why the connection is unusable. Callers hold c.mu.
func (c *Connection) stateError() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return fmt.Errorf("%w: connection is %s", amqpError.ErrConnectionClosed, c.state)
}

// readErr returns the error a reader should surface, or nil while frames may flow.
func (c *Connection) readErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting, StateOpen, StateClosing:
		return nil
	}
	return c.stateError()
}

func (c *Connection) send(channel uint16, m proto.Method) error {
	payload, err := c.registry.Encode(m)
	if err != nil {
		return err
	}
	c.logger.Debug("Sending %s on channel %d", m.ID(), channel)
	return c.writeFrames(&frame.Frame{Type: frame.TypeMethod, Channel: channel, Payload: payload})
}

func (c *Connection) writeFrames(frames ...*frame.Frame) error {
	if err := c.readErr(); err != nil {
		return err
	}
	if err := c.transport.WriteFrames(frames...); err != nil {
		return c.fail(err)
	}
	for _, f := range frames {
		c.metrics.FrameSent(f.Type.String())
	}
	return nil
}

// writeEncoded writes frames that were already encoded back to back.
func (c *Connection) writeEncoded(b []byte, counts map[frame.Type]int) error {
	if err := c.readErr(); err != nil {
		return err
	}
	if err := c.transport.WriteRaw(b); err != nil {
		return c.fail(err)
	}
	for t, n := range counts {
		for i := 0; i < n; i++ {
			c.metrics.FrameSent(t.String())
		}
	}
	return nil
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the connection can no longer carry frames.
func (c *Connection) IsClosed() bool {
	return c.readErr() != nil
}

// CloseError is the reason the connection closed, or nil while it is usable.
func (c *Connection) CloseError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return nil
	}
	return c.closeErr
}

func (c *Connection) ChannelMax() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelMax
}

// FrameMax is the negotiated frame-max; 0 means unlimited.
func (c *Connection) FrameMax() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameMax
}

// Heartbeat is the negotiated heartbeat interval in seconds; 0 disables heartbeats.
func (c *Connection) Heartbeat() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

func (c *Connection) ServerProperties() wire.Table { return c.serverProperties }

// KnownHosts is the known-hosts field of connection.open-ok.
func (c *Connection) KnownHosts() string { return c.knownHosts }

func (c *Connection) Version() ProtocolVersion { return c.opts.version }

// Blocked reports whether the broker has blocked publishing on this connection.
func (c *Connection) Blocked() bool { return c.blocked.Load() }

func (c *Connection) Addr() string { return c.addr }
