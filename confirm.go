package carrot

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/proto"
)

// pendingConfirm is a publish waiting for basic.ack or basic.nack.
type pendingConfirm struct {
	tag uint64
	pub *pendingPublish
}

// confirms tracks publisher-confirm delivery tags for one channel. Tags start at 1 and
// increase by one per publish, in wire order.
type confirms struct {
	mu      sync.Mutex
	enabled bool
	next    uint64
	pending []pendingConfirm
}

// enable switches the channel into confirm mode and restarts numbering at 1.
func (cf *confirms) enable() {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.enabled = true
	cf.next = 1
	cf.pending = nil
}

func (cf *confirms) active() bool {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.enabled
}

// track assigns the next delivery tag to pub, or returns 0 outside confirm mode.
// Callers hold the channel publish lock so tag order matches wire order.
func (cf *confirms) track(pub *pendingPublish) uint64 {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if !cf.enabled {
		return 0
	}
	tag := cf.next
	cf.next++
	cf.pending = append(cf.pending, pendingConfirm{tag: tag, pub: pub})
	return tag
}

// settle removes the entries covered by an ack or nack. With multiple set every tag
// up to and including tag is settled; tag 0 with multiple settles everything. A tag
// that was never assigned, or is no longer pending, is an error.
func (cf *confirms) settle(tag uint64, multiple bool) ([]pendingConfirm, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if multiple {
		if tag == 0 {
			settled := cf.pending
			cf.pending = nil
			return settled, nil
		}
		n := sort.Search(len(cf.pending), func(i int) bool { return cf.pending[i].tag > tag })
		if n == 0 || tag >= cf.next {
			return nil, cf.unknown(tag, multiple)
		}
		settled := append([]pendingConfirm(nil), cf.pending[:n]...)
		cf.pending = cf.pending[n:]
		return settled, nil
	}

	i := sort.Search(len(cf.pending), func(i int) bool { return cf.pending[i].tag >= tag })
	if i == len(cf.pending) || cf.pending[i].tag != tag {
		return nil, cf.unknown(tag, multiple)
	}
	settled := []pendingConfirm{cf.pending[i]}
	cf.pending = append(cf.pending[:i], cf.pending[i+1:]...)
	return settled, nil
}

func (cf *confirms) unknown(tag uint64, multiple bool) error {
	return fmt.Errorf("%w: tag %d (multiple=%t), next unassigned tag is %d, %d pending",
		amqpError.ErrUnknownDeliveryTag, tag, multiple, cf.next, len(cf.pending))
}

func (cf *confirms) outstanding() int {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return len(cf.pending)
}

// ConfirmSelect puts the channel into publisher-confirm mode. Publish then returns a
// delivery tag and the broker answers each publish with basic.ack or basic.nack.
// 0-9-1 only.
func (ch *Channel) ConfirmSelect(noWait bool) error {
	if _, err := ch.call(&proto.ConfirmSelectMethod{NoWait: noWait}, replyUnless(noWait, proto.ConfirmSelectOk)...); err != nil {
		return err
	}
	ch.confirms.enable()
	ch.logger.Debug("Channel in confirm mode")
	return nil
}

// SetAckHandler registers the callback run for every publish the broker acked.
func (ch *Channel) SetAckHandler(fn func(tag uint64, msg *Message)) error {
	if fn == nil {
		return amqpError.InvalidArgument("ack handler must not be nil")
	}
	ch.mu.Lock()
	ch.ackHandler = fn
	ch.mu.Unlock()
	return nil
}

// SetNackHandler registers the callback run for every publish the broker nacked.
func (ch *Channel) SetNackHandler(fn func(tag uint64, msg *Message)) error {
	if fn == nil {
		return amqpError.InvalidArgument("nack handler must not be nil")
	}
	ch.mu.Lock()
	ch.nackHandler = fn
	ch.mu.Unlock()
	return nil
}

// SetReturnHandler registers the callback run for messages returned with basic.return.
func (ch *Channel) SetReturnHandler(fn func(msg *Message)) error {
	if fn == nil {
		return amqpError.InvalidArgument("return handler must not be nil")
	}
	ch.mu.Lock()
	ch.returnHandler = fn
	ch.mu.Unlock()
	return nil
}

// PendingConfirms is the number of publishes still waiting for ack or nack.
func (ch *Channel) PendingConfirms() int {
	return ch.confirms.outstanding()
}

func (ch *Channel) onConfirm(in *inbound) (any, error) {
	m := in.method.(*proto.BasicAckMethod)
	ack := m.Sig == proto.BasicAck

	settled, err := ch.confirms.settle(m.DeliveryTag, m.Multiple)
	if err != nil {
		ch.logger.Err("Broker confirmed an unknown publish: %v", err)
		return nil, err
	}

	ch.mu.Lock()
	handler := ch.ackHandler
	if !ack {
		handler = ch.nackHandler
	}
	ch.mu.Unlock()

	tags := make([]uint64, 0, len(settled))
	for _, p := range settled {
		tags = append(tags, p.tag)
		ch.conn.metrics.Confirm(ack)
		if !ack {
			ch.logger.Warn("Broker nacked publish %d (exchange %q, key %q)",
				p.tag, p.pub.exchange, p.pub.key)
		}
		if handler != nil {
			handler(p.tag, p.pub.msg)
		}
	}
	if ch.journal != nil {
		ch.journal.remove(tags)
	}
	return m, nil
}

func (ch *Channel) onReturn(in *inbound) (any, error) {
	msg := in.content
	msg.Delivery.channel = ch
	ch.conn.metrics.Returned()

	ch.mu.Lock()
	fn := ch.returnHandler
	ch.mu.Unlock()
	if fn == nil {
		ch.logger.Warn("Message returned with no return handler: %d %s (exchange %q, key %q)",
			msg.Delivery.ReplyCode, msg.Delivery.ReplyText, msg.Delivery.Exchange, msg.Delivery.RoutingKey)
		return msg, nil
	}
	fn(msg)
	return msg, nil
}

// WaitForPendingAcks dispatches acks and nacks until every publish is settled.
// timeout == 0 waits without bound; otherwise ErrTimeout is returned at the deadline.
// Other events that arrive meanwhile stay queued for the next Wait.
func (ch *Channel) WaitForPendingAcks(timeout time.Duration) error {
	return ch.waitForConfirms(timeout, proto.BasicAck, proto.BasicNack)
}

// WaitForPendingAcksReturns is WaitForPendingAcks that also dispatches basic.return.
func (ch *Channel) WaitForPendingAcksReturns(timeout time.Duration) error {
	return ch.waitForConfirms(timeout, proto.BasicAck, proto.BasicNack, proto.BasicReturn)
}

func (ch *Channel) waitForConfirms(timeout time.Duration, allowed ...proto.Signature) error {
	if !ch.confirms.active() {
		return amqpError.InvalidArgument("channel %d is not in confirm mode", ch.id)
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for ch.confirms.outstanding() > 0 {
		if err := ch.usable(); err != nil {
			return err
		}
		wait := time.Duration(0)
		if !deadline.IsZero() {
			if wait = time.Until(deadline); wait <= 0 {
				return fmt.Errorf("%w: %d publishes unconfirmed on channel %d",
					amqpError.ErrTimeout, ch.confirms.outstanding(), ch.id)
			}
		}
		if _, err := ch.d.wait(allowed, false, wait); err != nil {
			if errors.Is(err, amqpError.ErrTimeout) {
				return fmt.Errorf("%w: %d publishes unconfirmed on channel %d",
					amqpError.ErrTimeout, ch.confirms.outstanding(), ch.id)
			}
			return err
		}
	}
	return nil
}
