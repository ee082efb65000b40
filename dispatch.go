package carrot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
)

// errNoEvent is returned by a non-blocking wait that found nothing to dispatch.
var errNoEvent = errors.New("amqp: no matching event available")

// inbound is a decoded method plus its reassembled content, if any.
type inbound struct {
	method  proto.Method
	content *Message
}

type handlerFunc func(in *inbound) (any, error)

// dispatcher is the per-channel half of the multiplexer. Channel 0 uses one for the
// connection itself; every Channel owns another.
type dispatcher struct {
	id       uint16
	conn     *Connection
	handlers map[proto.Signature]handlerFunc

	// frames holds raw frames routed here by whichever goroutine held the reader role.
	// Guarded by conn.queueMu.
	frames []*frame.Frame
	// ready is signalled whenever a frame is queued or the connection goes down.
	ready chan struct{}

	// waitMu serializes waits on channel 0 so serviceConnection never takes a reply
	// away from a waiter that is already blocked.
	waitMu sync.Mutex

	mu      sync.Mutex
	methods []*inbound
}

func newDispatcher(conn *Connection, id uint16) *dispatcher {
	return &dispatcher{
		id:       id,
		conn:     conn,
		handlers: make(map[proto.Signature]handlerFunc),
		ready:    make(chan struct{}, 1),
	}
}

// notify wakes a waiter blocked in nextFrame without blocking the caller.
func (d *dispatcher) notify() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

func (d *dispatcher) handle(sig proto.Signature, h handlerFunc) {
	d.handlers[sig] = h
}

// reply registers handlers that hand the decoded method back to the waiter.
func (d *dispatcher) reply(sigs ...proto.Signature) {
	for _, sig := range sigs {
		d.handlers[sig] = func(in *inbound) (any, error) { return in.method, nil }
	}
}

// matches reports whether sig may be dispatched under the filter. A nil filter
// accepts everything; close methods are always accepted.
func matches(allowed []proto.Signature, sig proto.Signature) bool {
	if allowed == nil || proto.IsClose(sig) {
		return true
	}
	for _, s := range allowed {
		if s == sig {
			return true
		}
	}
	return false
}

// wait dispatches the next method for this channel that passes the filter and returns
// the handler's result. Deferred methods are serviced before any new frame is read.
// timeout == 0 blocks, timeout > 0 fails with ErrTimeout, nonBlocking returns
// errNoEvent as soon as one frame did not match or nothing was ready.
func (d *dispatcher) wait(allowed []proto.Signature, nonBlocking bool, timeout time.Duration) (any, error) {
	if d.id == 0 {
		d.waitMu.Lock()
		defer d.waitMu.Unlock()
	}
	return d.waitLocked(allowed, nonBlocking, timeout)
}

func (d *dispatcher) waitLocked(allowed []proto.Signature, nonBlocking bool, timeout time.Duration) (any, error) {
	if in := d.takeDeferred(allowed); in != nil {
		return d.dispatch(in)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		readTimeout := frame.Poll
		if !nonBlocking {
			readTimeout = 0
			if !deadline.IsZero() {
				readTimeout = time.Until(deadline)
				if readTimeout <= 0 {
					return nil, amqpError.ErrTimeout
				}
			}
		}

		in, err := d.next(readTimeout)
		if err != nil {
			return nil, err
		}
		if matches(allowed, in.method.ID()) {
			return d.dispatch(in)
		}
		d.conn.logger.Debug("Deferring %s", in.method.ID())
		d.deferMethod(in)
		if nonBlocking {
			return nil, errNoEvent
		}
	}
}

func (d *dispatcher) takeDeferred(allowed []proto.Signature) *inbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, in := range d.methods {
		if matches(allowed, in.method.ID()) {
			d.methods = append(d.methods[:i], d.methods[i+1:]...)
			return in
		}
	}
	return nil
}

func (d *dispatcher) deferMethod(in *inbound) {
	d.mu.Lock()
	d.methods = append(d.methods, in)
	d.mu.Unlock()
}

func (d *dispatcher) deferred() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.methods)
}

func (d *dispatcher) dispatch(in *inbound) (any, error) {
	sig := in.method.ID()
	h, ok := d.handlers[sig]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for %s on channel %d", amqpError.ErrUnknownMethod, sig, d.id)
	}
	return h(in)
}

// next reads one method for this channel and, for content methods, the header and
// body frames that follow it.
func (d *dispatcher) next(timeout time.Duration) (*inbound, error) {
	f, err := d.conn.nextFrame(d, timeout)
	if err != nil {
		return nil, err
	}
	if f.Type != frame.TypeMethod {
		return nil, d.conn.fail(amqpError.NewFramingError(
			"expected METHOD frame on channel %d, got %s", d.id, f.Type))
	}
	m, err := d.conn.registry.Decode(f.Payload)
	if err != nil {
		var fe *amqpError.FramingError
		if errors.As(err, &fe) || errors.Is(err, amqpError.ErrUnknownMethod) {
			return nil, d.conn.fail(err)
		}
		return nil, d.conn.fail(amqpError.NewFramingError("channel %d: %v", d.id, err))
	}
	in := &inbound{method: m}
	if proto.IsContent(m.ID()) {
		if in.content, err = d.readContent(m); err != nil {
			return nil, err
		}
	}
	d.conn.logger.Debug("Received %s on channel %d", m.ID(), d.id)
	return in, nil
}

// readContent pulls the header and body frames of a content method. A timeout here
// leaves the stream mid-message, so it is fatal.
func (d *dispatcher) readContent(m proto.Method) (*Message, error) {
	c := d.conn
	f, err := d.contentFrame(frame.TypeHeader)
	if err != nil {
		return nil, err
	}
	hdr, err := proto.DecodeContentHeader(f.Payload, c.registry.Version())
	if err != nil {
		return nil, c.fail(err)
	}

	size := hdr.BodySize
	body := make([]byte, 0, min(size, uint64(c.FrameMax())))
	for uint64(len(body)) < size {
		f, err := d.contentFrame(frame.TypeBody)
		if err != nil {
			return nil, err
		}
		body = append(body, f.Payload...)
	}
	if uint64(len(body)) != size {
		return nil, c.fail(amqpError.NewFramingError(
			"content body is %d bytes, header announced %d", len(body), size))
	}

	msg := &Message{Body: body, Properties: hdr.Properties}
	msg.Delivery = deliveryInfo(m)
	return msg, nil
}

func (d *dispatcher) contentFrame(want frame.Type) (*frame.Frame, error) {
	c := d.conn
	f, err := c.nextFrame(d, c.opts.readTimeout)
	if err != nil {
		if errors.Is(err, amqpError.ErrTimeout) {
			return nil, c.fail(amqpError.NewFramingError("timed out inside content on channel %d", d.id))
		}
		return nil, err
	}
	if f.Type != want {
		return nil, c.fail(amqpError.NewFramingError(
			"expected %s frame on channel %d, got %s", want, d.id, f.Type))
	}
	return f, nil
}

func deliveryInfo(m proto.Method) *DeliveryInfo {
	switch m := m.(type) {
	case *proto.BasicDeliverMethod:
		return &DeliveryInfo{
			ConsumerTag: m.ConsumerTag,
			DeliveryTag: m.DeliveryTag,
			Redelivered: m.Redelivered,
			Exchange:    m.Exchange,
			RoutingKey:  m.RoutingKey,
		}
	case *proto.BasicGetOkMethod:
		return &DeliveryInfo{
			DeliveryTag:  m.DeliveryTag,
			Redelivered:  m.Redelivered,
			Exchange:     m.Exchange,
			RoutingKey:   m.RoutingKey,
			MessageCount: m.MessageCount,
		}
	case *proto.BasicReturnMethod:
		return &DeliveryInfo{
			Exchange:   m.Exchange,
			RoutingKey: m.RoutingKey,
			ReplyCode:  m.ReplyCode,
			ReplyText:  m.ReplyText,
		}
	}
	return nil
}

// nextFrame returns the next frame addressed to d. One goroutine at a time holds the
// reader role and reads the socket; frames it reads for other channels are queued on
// their dispatchers and their waiters are woken. A waiter without the role sleeps on
// its own queue, the role and its own deadline. A connection-level method seen while
// waiting on a user channel is handled right away, after the role is released.
func (c *Connection) nextFrame(d *dispatcher, timeout time.Duration) (*frame.Frame, error) {
	poll := timeout < 0
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if f := c.popFrame(d); f != nil {
			return f, nil
		}
		if err := c.readErr(); err != nil {
			return nil, err
		}

		readTimeout := timeout
		if !deadline.IsZero() {
			if readTimeout = time.Until(deadline); readTimeout <= 0 {
				return nil, amqpError.ErrTimeout
			}
		}

		if !c.acquireReader(d, poll, readTimeout) {
			if poll {
				return nil, errNoEvent
			}
			continue
		}
		// Another reader may have queued a frame for d before we got the role.
		if f := c.popFrame(d); f != nil {
			c.releaseReader()
			return f, nil
		}
		f, res, err := c.transport.ReadFrame(readTimeout)
		c.releaseReader()
		if err != nil {
			return nil, c.fail(err)
		}
		switch res {
		case frame.TimedOut:
			return nil, amqpError.ErrTimeout
		case frame.WouldBlock:
			return nil, errNoEvent
		}

		if f.Type != frame.TypeHeartbeat && f.Channel == d.id {
			c.metrics.FrameReceived(f.Type.String())
			return f, nil
		}
		if c.route(f) && d.id != 0 {
			c.serviceConnection()
			if err := c.readErr(); err != nil {
				return nil, err
			}
		}
	}
}

// acquireReader takes the reader role. It gives up and returns false when d is
// signalled, the wait times out, or, for a poll, when the role is taken.
func (c *Connection) acquireReader(d *dispatcher, poll bool, timeout time.Duration) bool {
	if poll {
		select {
		case c.reader <- struct{}{}:
			return true
		default:
			return false
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case c.reader <- struct{}{}:
		return true
	case <-d.ready:
		return false
	case <-expired:
		return false
	}
}

func (c *Connection) releaseReader() { <-c.reader }

func (c *Connection) popFrame(d *dispatcher) *frame.Frame {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(d.frames) == 0 {
		return nil
	}
	f := d.frames[0]
	d.frames[0] = nil
	d.frames = d.frames[1:]
	return f
}

// route queues a frame on its channel and wakes that channel's waiter. It reports
// whether the frame is a connection-level method that should be serviced.
func (c *Connection) route(f *frame.Frame) bool {
	c.metrics.FrameReceived(f.Type.String())
	if f.Type == frame.TypeHeartbeat {
		if c.opts.heartbeatLogging {
			c.logger.Debug("Received heartbeat")
		}
		return false
	}
	target := c.dispatcherFor(f.Channel)
	if target == nil {
		c.logger.Warn("Dropping %s frame for unknown channel %d", f.Type, f.Channel)
		return false
	}
	c.queueMu.Lock()
	target.frames = append(target.frames, f)
	c.queueMu.Unlock()
	target.notify()
	return f.Channel == 0 && f.Type == frame.TypeMethod
}

// serviceConnection dispatches queued connection-level methods. Only close and
// blocked/unblocked are handled here. It backs off while anyone else waits on
// channel 0, including a nested call, so it never recurses and never steals a reply.
func (c *Connection) serviceConnection() {
	if c.d == nil || !c.d.waitMu.TryLock() {
		return
	}
	defer c.d.waitMu.Unlock()

	for c.hasQueuedFrames(c.d) {
		_, err := c.d.waitLocked(asyncConnectionMethods, true, 0)
		if err != nil && !errors.Is(err, errNoEvent) {
			c.logger.Debug("Servicing connection frame: %v", err)
			return
		}
	}
}

var asyncConnectionMethods = []proto.Signature{proto.ConnectionBlocked, proto.ConnectionUnblocked}

func (c *Connection) hasQueuedFrames(d *dispatcher) bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(d.frames) > 0
}

// pump drains whatever is already readable into the channel queues without blocking.
// It only runs when nobody else holds the reader role.
func (c *Connection) pump() {
	select {
	case c.reader <- struct{}{}:
	default:
		return
	}
	preempt := false
	for c.readErr() == nil {
		f, res, err := c.transport.ReadFrame(frame.Poll)
		if err != nil {
			c.releaseReader()
			c.fail(err)
			return
		}
		if res != frame.Ready {
			break
		}
		if c.route(f) {
			preempt = true
		}
	}
	c.releaseReader()
	if preempt {
		c.serviceConnection()
	}
}
