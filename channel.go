package carrot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/aleybovich/carrot-amqp/logger"
	lru "github.com/hashicorp/golang-lru"
)

// Channel is a logical session multiplexed over a Connection. A Channel must be used by
// one goroutine at a time; different channels may be used concurrently.
type Channel struct {
	id     uint16
	conn   *Connection
	d      *dispatcher
	logger logger.Logger

	mu         sync.Mutex
	state      State
	closeErr   error
	active     bool
	ticket     uint16
	rpcTimeout time.Duration

	consumers map[string]*consumer

	publishMu sync.Mutex
	confirms  *confirms
	journal   *confirmJournal
	cache     *lru.Cache
	batch     []*pendingPublish

	ackHandler    func(tag uint64, msg *Message)
	nackHandler   func(tag uint64, msg *Message)
	returnHandler func(msg *Message)
	flowHandler   func(active bool)
}

// Queue is the broker's answer to queue.declare.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

func newChannel(c *Connection, id uint16) *Channel {
	ch := &Channel{
		id:        id,
		conn:      c,
		logger:    logger.With(c.logger, "channel", id),
		state:     StateDisconnected,
		active:    true,
		consumers: make(map[string]*consumer),
		confirms:  &confirms{},
	}
	if c.opts.publishCacheSize > 0 {
		// lru.New only fails for a non-positive size.
		ch.cache, _ = lru.New(c.opts.publishCacheSize)
	}
	if c.opts.journal != nil {
		ch.journal = newConfirmJournal(c.opts.journal, c.opts.journalNamespace, c.session, id, c.opts.version, ch.logger)
	}

	d := newDispatcher(c, id)
	d.reply(
		proto.ChannelOpenOk,
		proto.ChannelFlowOk,
		proto.ChannelCloseOk,
		proto.ExchangeDeclareOk,
		proto.ExchangeDeleteOk,
		proto.ExchangeBindOk,
		proto.ExchangeUnbindOk,
		proto.QueueDeclareOk,
		proto.QueueBindOk,
		proto.QueueUnbindOk,
		proto.QueuePurgeOk,
		proto.QueueDeleteOk,
		proto.BasicQosOk,
		proto.BasicConsumeOk,
		proto.BasicGetEmpty,
		proto.BasicRecoverOk,
		proto.ConfirmSelectOk,
		proto.TxSelectOk,
		proto.TxCommitOk,
		proto.TxRollbackOk,
	)
	d.handle(proto.AccessRequestOk, ch.onAccessRequestOk)
	d.handle(proto.ChannelClose, ch.onClose)
	d.handle(proto.ChannelFlow, ch.onFlow)
	d.handle(proto.BasicGetOk, ch.onGetOk)
	d.handle(proto.BasicDeliver, ch.onDeliver)
	d.handle(proto.BasicCancel, ch.onCancel)
	d.handle(proto.BasicCancelOk, ch.onCancelOk)
	d.handle(proto.BasicReturn, ch.onReturn)
	d.handle(proto.BasicAck, ch.onConfirm)
	d.handle(proto.BasicNack, ch.onConfirm)
	ch.d = d
	return ch
}

// ID is the channel number on the connection.
func (ch *Channel) ID() uint16 { return ch.id }

// State returns the current channel state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// IsClosed reports whether the channel can no longer be used.
func (ch *Channel) IsClosed() bool {
	return ch.State() == StateClosed
}

// CloseError is the reason the channel closed, or nil while it is usable.
func (ch *Channel) CloseError() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateClosed {
		return nil
	}
	return ch.closeErr
}

// Active reports the flow state last set by the broker with channel.flow.
func (ch *Channel) Active() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.active
}

// SetRPCTimeout bounds the wait for every synchronous reply on this channel. 0, the
// default, waits until the reply arrives or the channel closes.
func (ch *Channel) SetRPCTimeout(d time.Duration) {
	ch.mu.Lock()
	ch.rpcTimeout = d
	ch.mu.Unlock()
}

// SetFlowHandler registers a callback run when the broker pauses or resumes the channel.
func (ch *Channel) SetFlowHandler(fn func(active bool)) {
	ch.mu.Lock()
	ch.flowHandler = fn
	ch.mu.Unlock()
}

func (ch *Channel) open() error {
	ch.mu.Lock()
	ch.state = StateOpening
	ch.mu.Unlock()

	if err := ch.conn.send(ch.id, &proto.ChannelOpenMethod{}); err != nil {
		ch.markClosed(err)
		return err
	}
	if _, err := ch.d.wait([]proto.Signature{proto.ChannelOpenOk}, false, ch.timeout()); err != nil {
		ch.markClosed(err)
		return fmt.Errorf("opening channel %d: %w", ch.id, err)
	}

	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()
	ch.logger.Debug("Channel open")
	return nil
}

// Close runs the channel.close handshake and releases the channel id.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.state != StateOpen {
		err := ch.stateError()
		ch.mu.Unlock()
		return err
	}
	ch.state = StateClosing
	ch.mu.Unlock()

	err := ch.conn.send(ch.id, proto.NewChannelClose(amqpError.ReplySuccess.Code(), "Goodbye", 0, 0))
	if err == nil {
		_, err = ch.d.wait([]proto.Signature{proto.ChannelCloseOk}, false, ch.conn.opts.closeTimeout)
	}
	ch.markClosed(nil)
	ch.conn.releaseChannel(ch.id)
	if err != nil {
		return fmt.Errorf("closing channel %d: %w", ch.id, err)
	}
	ch.logger.Debug("Channel closed")
	return nil
}

// markClosed moves the channel to closed without talking to the broker.
func (ch *Channel) markClosed(cause error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == StateClosed {
		return
	}
	if cause == nil {
		cause = amqpError.ErrChannelClosed
	}
	ch.state = StateClosed
	ch.closeErr = cause
	ch.consumers = make(map[string]*consumer)
}

// stateError describes why the channel is unusable. Callers hold ch.mu.
func (ch *Channel) stateError() error {
	if ch.closeErr != nil {
		return ch.closeErr
	}
	return fmt.Errorf("%w: channel %d is %s", amqpError.ErrChannelClosed, ch.id, ch.state)
}

func (ch *Channel) usable() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateOpen {
		return ch.stateError()
	}
	return nil
}

func (ch *Channel) timeout() time.Duration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.rpcTimeout
}

func (ch *Channel) currentTicket() uint16 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ticket
}

// call sends req and, unless replies is empty, waits for one of them.
func (ch *Channel) call(req proto.Method, replies ...proto.Signature) (any, error) {
	if err := ch.usable(); err != nil {
		return nil, err
	}
	if err := ch.conn.send(ch.id, req); err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, nil
	}
	return ch.d.wait(replies, false, ch.timeout())
}

func (ch *Channel) onClose(in *inbound) (any, error) {
	m := in.method.(*proto.CloseMethod)
	perr := &amqpError.ProtocolError{
		Code:     amqpError.AmqpError(m.ReplyCode),
		Text:     m.ReplyText,
		ClassID:  m.ClassID,
		MethodID: m.MethodID,
	}
	ch.logger.Err("Broker closed channel: %v", perr)
	if err := ch.conn.send(ch.id, &proto.Empty{Sig: proto.ChannelCloseOk}); err != nil {
		ch.logger.Warn("Sending channel.close-ok: %v", err)
	}
	ch.markClosed(perr)
	ch.conn.releaseChannel(ch.id)
	return nil, perr
}

func (ch *Channel) onFlow(in *inbound) (any, error) {
	active := in.method.(*proto.ChannelFlowMethod).Active
	ch.mu.Lock()
	ch.active = active
	fn := ch.flowHandler
	ch.mu.Unlock()

	ch.logger.Info("Broker set flow to active=%t", active)
	if err := ch.conn.send(ch.id, proto.NewFlowOk(active)); err != nil {
		return nil, err
	}
	if fn != nil {
		fn(active)
	}
	return nil, nil
}

func (ch *Channel) onAccessRequestOk(in *inbound) (any, error) {
	m := in.method.(*proto.AccessRequestOkMethod)
	ch.mu.Lock()
	ch.ticket = m.Ticket
	ch.mu.Unlock()
	return m, nil
}

func (ch *Channel) onGetOk(in *inbound) (any, error) {
	in.content.Delivery.channel = ch
	ch.conn.metrics.Delivered()
	return in.content, nil
}

// Flow asks the broker to pause (false) or resume (true) deliveries on this channel.
// It returns the state the broker confirmed.
func (ch *Channel) Flow(active bool) (bool, error) {
	res, err := ch.call(proto.NewFlow(active), proto.ChannelFlowOk)
	if err != nil {
		return false, err
	}
	return res.(*proto.ChannelFlowMethod).Active, nil
}

// AccessRequest requests a ticket for realm. 0-8 only; the ticket is stored and sent
// with every later method that carries one.
func (ch *Channel) AccessRequest(realm string, exclusive, passive, active, write, read bool) (uint16, error) {
	res, err := ch.call(&proto.AccessRequestMethod{
		Realm:     realm,
		Exclusive: exclusive,
		Passive:   passive,
		Active:    active,
		Write_:    write,
		Read_:     read,
	}, proto.AccessRequestOk)
	if err != nil {
		return 0, err
	}
	return res.(*proto.AccessRequestOkMethod).Ticket, nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args Table) error {
	return ch.exchangeDeclare(name, kind, false, durable, autoDelete, internal, noWait, args)
}

// ExchangeDeclarePassive checks that the exchange exists. A missing exchange closes
// the channel with NOT_FOUND.
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args Table) error {
	return ch.exchangeDeclare(name, kind, true, durable, autoDelete, internal, noWait, args)
}

func (ch *Channel) exchangeDeclare(name, kind string, passive, durable, autoDelete, internal, noWait bool, args Table) error {
	req := &proto.ExchangeDeclareMethod{
		Ticket:     ch.currentTicket(),
		Exchange:   name,
		Type:       kind,
		Passive:    passive,
		Durable:    durable,
		AutoDelete: autoDelete,
		Internal:   internal,
		NoWait:     noWait,
		Arguments:  args,
	}
	_, err := ch.call(req, replyUnless(noWait, proto.ExchangeDeclareOk)...)
	return err
}

func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	req := &proto.ExchangeDeleteMethod{
		Ticket:   ch.currentTicket(),
		Exchange: name,
		IfUnused: ifUnused,
		NoWait:   noWait,
	}
	_, err := ch.call(req, replyUnless(noWait, proto.ExchangeDeleteOk)...)
	return err
}

// ExchangeBind routes messages from source to destination. 0-9-1 only.
func (ch *Channel) ExchangeBind(destination, key, source string, noWait bool, args Table) error {
	req := &proto.ExchangeBindMethod{
		Ticket:      ch.currentTicket(),
		Destination: destination,
		Source:      source,
		RoutingKey:  key,
		NoWait:      noWait,
		Arguments:   args,
	}
	_, err := ch.call(req, replyUnless(noWait, proto.ExchangeBindOk)...)
	return err
}

func (ch *Channel) ExchangeUnbind(destination, key, source string, noWait bool, args Table) error {
	req := &proto.ExchangeBindMethod{
		Ticket:      ch.currentTicket(),
		Destination: destination,
		Source:      source,
		RoutingKey:  key,
		NoWait:      noWait,
		Arguments:   args,
		Unbind:      true,
	}
	_, err := ch.call(req, replyUnless(noWait, proto.ExchangeUnbindOk)...)
	return err
}

// QueueDeclare declares a queue. An empty name asks the broker to generate one. With
// noWait the returned Queue only carries the requested name.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args Table) (Queue, error) {
	return ch.queueDeclare(name, false, durable, autoDelete, exclusive, noWait, args)
}

// QueueDeclarePassive checks that the queue exists and reports its counters.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args Table) (Queue, error) {
	return ch.queueDeclare(name, true, durable, autoDelete, exclusive, noWait, args)
}

func (ch *Channel) queueDeclare(name string, passive, durable, autoDelete, exclusive, noWait bool, args Table) (Queue, error) {
	req := &proto.QueueDeclareMethod{
		Ticket:     ch.currentTicket(),
		Queue:      name,
		Passive:    passive,
		Durable:    durable,
		Exclusive:  exclusive,
		AutoDelete: autoDelete,
		NoWait:     noWait,
		Arguments:  args,
	}
	res, err := ch.call(req, replyUnless(noWait, proto.QueueDeclareOk)...)
	if err != nil {
		return Queue{}, err
	}
	if noWait {
		return Queue{Name: name}, nil
	}
	ok := res.(*proto.QueueDeclareOkMethod)
	return Queue{Name: ok.Queue, Messages: int(ok.MessageCount), Consumers: int(ok.ConsumerCount)}, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args Table) error {
	req := &proto.QueueBindMethod{
		Ticket:     ch.currentTicket(),
		Queue:      name,
		Exchange:   exchange,
		RoutingKey: key,
		NoWait:     noWait,
		Arguments:  args,
	}
	_, err := ch.call(req, replyUnless(noWait, proto.QueueBindOk)...)
	return err
}

// QueueUnbind removes a binding. The method has no nowait form.
func (ch *Channel) QueueUnbind(name, key, exchange string, args Table) error {
	req := &proto.QueueUnbindMethod{
		Ticket:     ch.currentTicket(),
		Queue:      name,
		Exchange:   exchange,
		RoutingKey: key,
		Arguments:  args,
	}
	_, err := ch.call(req, proto.QueueUnbindOk)
	return err
}

// QueuePurge removes all ready messages and returns how many were purged.
func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	req := &proto.QueuePurgeMethod{Ticket: ch.currentTicket(), Queue: name, NoWait: noWait}
	res, err := ch.call(req, replyUnless(noWait, proto.QueuePurgeOk)...)
	if err != nil || noWait {
		return 0, err
	}
	return int(res.(*proto.MessageCountMethod).MessageCount), nil
}

// QueueDelete deletes a queue and returns the number of messages it held.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	req := &proto.QueueDeleteMethod{
		Ticket:   ch.currentTicket(),
		Queue:    name,
		IfUnused: ifUnused,
		IfEmpty:  ifEmpty,
		NoWait:   noWait,
	}
	res, err := ch.call(req, replyUnless(noWait, proto.QueueDeleteOk)...)
	if err != nil || noWait {
		return 0, err
	}
	return int(res.(*proto.MessageCountMethod).MessageCount), nil
}

// Qos sets the prefetch window. prefetchCount must fit in 16 bits and prefetchSize in
// 32 bits; out of range values fail locally.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if prefetchCount < 0 || prefetchCount > 0xFFFF {
		return amqpError.InvalidArgument("prefetch count %d out of range 0..65535", prefetchCount)
	}
	if prefetchSize < 0 || int64(prefetchSize) > 0xFFFFFFFF {
		return amqpError.InvalidArgument("prefetch size %d out of range 0..4294967295", prefetchSize)
	}
	_, err := ch.call(&proto.BasicQosMethod{
		PrefetchSize:  uint32(prefetchSize),
		PrefetchCount: uint16(prefetchCount),
		Global:        global,
	}, proto.BasicQosOk)
	return err
}

// Get fetches one message. ok is false when the queue was empty.
func (ch *Channel) Get(queue string, autoAck bool) (msg *Message, ok bool, err error) {
	req := &proto.BasicGetMethod{Ticket: ch.currentTicket(), Queue: queue, NoAck: autoAck}
	res, err := ch.call(req, proto.BasicGetOk, proto.BasicGetEmpty)
	if err != nil {
		return nil, false, err
	}
	if m, isMsg := res.(*Message); isMsg {
		return m, true, nil
	}
	return nil, false, nil
}

// Ack acknowledges one delivery, or every delivery up to tag when multiple is set.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	_, err := ch.call(proto.NewAck(tag, multiple))
	return err
}

// Nack rejects one or more deliveries. 0-9-1 only.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	_, err := ch.call(proto.NewNack(tag, multiple, requeue))
	return err
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	_, err := ch.call(proto.NewReject(tag, requeue))
	return err
}

// RecoverAsync asks the broker to redeliver unacknowledged messages without waiting for
// a reply.
func (ch *Channel) RecoverAsync(requeue bool) error {
	_, err := ch.call(&proto.BasicRecoverMethod{Requeue: requeue, Async: true})
	return err
}

// Recover asks the broker to redeliver unacknowledged messages. 0-9-1 only.
func (ch *Channel) Recover(requeue bool) error {
	_, err := ch.call(&proto.BasicRecoverMethod{Requeue: requeue}, proto.BasicRecoverOk)
	return err
}

func (ch *Channel) TxSelect() error {
	_, err := ch.call(&proto.Empty{Sig: proto.TxSelect}, proto.TxSelectOk)
	return err
}

func (ch *Channel) TxCommit() error {
	_, err := ch.call(&proto.Empty{Sig: proto.TxCommit}, proto.TxCommitOk)
	return err
}

func (ch *Channel) TxRollback() error {
	_, err := ch.call(&proto.Empty{Sig: proto.TxRollback}, proto.TxRollbackOk)
	return err
}

// Wait dispatches the next event for this channel: a delivery, return, confirm, flow
// or close. timeout == 0 blocks; otherwise ErrTimeout is returned when nothing arrived
// in time, and the channel stays usable.
func (ch *Channel) Wait(timeout time.Duration) error {
	if err := ch.usable(); err != nil {
		return err
	}
	_, err := ch.d.wait(nil, false, timeout)
	return err
}

// Serve dispatches events until ctx is cancelled or the channel closes. It returns nil
// when ctx ends.
func (ch *Channel) Serve(ctx context.Context) error {
	const slice = 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := ch.Wait(slice); err != nil && !errors.Is(err, amqpError.ErrTimeout) {
			return err
		}
	}
}

// replyUnless returns sig as the expected reply, or nothing for a nowait request.
func replyUnless(noWait bool, sig proto.Signature) []proto.Signature {
	if noWait {
		return nil
	}
	return []proto.Signature{sig}
}
