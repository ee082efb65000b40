package carrot

import (
	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/google/uuid"
)

// consumer is a registered basic.consume subscription.
type consumer struct {
	tag     string
	queue   string
	noAck   bool
	handler func(msg *Message)
}

// Consume subscribes handler to queue. Deliveries are dispatched from Wait, Serve and any
// other call that reads the channel. An empty tag lets the broker pick one; with noWait
// the client generates it instead. The tag in use is returned.
func (ch *Channel) Consume(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args Table, handler func(msg *Message)) (string, error) {
	if handler == nil {
		return "", amqpError.InvalidArgument("consume handler must not be nil")
	}
	if tag == "" && noWait {
		tag = "ctag-" + uuid.NewString()
	}
	if tag != "" && ch.hasConsumer(tag) {
		return "", amqpError.InvalidArgument("consumer tag %q already in use on channel %d", tag, ch.id)
	}

	req := &proto.BasicConsumeMethod{
		Ticket:      ch.currentTicket(),
		Queue:       queue,
		ConsumerTag: tag,
		NoLocal:     noLocal,
		NoAck:       autoAck,
		Exclusive:   exclusive,
		NoWait:      noWait,
		Arguments:   args,
	}
	cons := &consumer{tag: tag, queue: queue, noAck: autoAck, handler: handler}

	if noWait {
		// Deliveries may follow the request immediately.
		ch.addConsumer(cons)
		if _, err := ch.call(req); err != nil {
			ch.removeConsumer(tag)
			return "", err
		}
		return tag, nil
	}

	res, err := ch.call(req, proto.BasicConsumeOk)
	if err != nil {
		return "", err
	}
	cons.tag = res.(*proto.ConsumerTagMethod).ConsumerTag
	ch.addConsumer(cons)
	ch.logger.Debug("Consumer %s started on queue %q", cons.tag, queue)
	return cons.tag, nil
}

// Cancel stops the consumer with the given tag.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	if !ch.hasConsumer(tag) {
		return amqpError.InvalidArgument("no consumer %q on channel %d", tag, ch.id)
	}
	req := &proto.BasicCancelMethod{ConsumerTag: tag, NoWait: noWait}
	if noWait {
		if _, err := ch.call(req); err != nil {
			return err
		}
		ch.removeConsumer(tag)
		return nil
	}
	_, err := ch.call(req, proto.BasicCancelOk)
	return err
}

// Consumers returns the tags of the active consumers.
func (ch *Channel) Consumers() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		tags = append(tags, tag)
	}
	return tags
}

func (ch *Channel) hasConsumer(tag string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, ok := ch.consumers[tag]
	return ok
}

func (ch *Channel) addConsumer(c *consumer) {
	ch.mu.Lock()
	ch.consumers[c.tag] = c
	ch.mu.Unlock()
}

func (ch *Channel) removeConsumer(tag string) *consumer {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	c := ch.consumers[tag]
	delete(ch.consumers, tag)
	return c
}

func (ch *Channel) onDeliver(in *inbound) (any, error) {
	msg := in.content
	msg.Delivery.channel = ch
	ch.conn.metrics.Delivered()

	ch.mu.Lock()
	c, ok := ch.consumers[msg.Delivery.ConsumerTag]
	ch.mu.Unlock()
	if !ok {
		ch.logger.Warn("Delivery %d for unknown consumer %q dropped",
			msg.Delivery.DeliveryTag, msg.Delivery.ConsumerTag)
		return msg, nil
	}
	c.handler(msg)
	return msg, nil
}

// onCancel handles a consumer cancelled by the broker, e.g. because its queue was
// deleted.
func (ch *Channel) onCancel(in *inbound) (any, error) {
	m := in.method.(*proto.BasicCancelMethod)
	if c := ch.removeConsumer(m.ConsumerTag); c != nil {
		ch.logger.Warn("Broker cancelled consumer %s on queue %q", m.ConsumerTag, c.queue)
	}
	if !m.NoWait {
		if err := ch.conn.send(ch.id, &proto.ConsumerTagMethod{Sig: proto.BasicCancelOk, ConsumerTag: m.ConsumerTag}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (ch *Channel) onCancelOk(in *inbound) (any, error) {
	m := in.method.(*proto.ConsumerTagMethod)
	ch.removeConsumer(m.ConsumerTag)
	ch.logger.Debug("Consumer %s cancelled", m.ConsumerTag)
	return m, nil
}
