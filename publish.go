package carrot

import (
	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
)

// publishKey identifies an encoded basic.publish method frame in the channel cache.
type publishKey struct {
	exchange   string
	routingKey string
	mandatory  bool
	immediate  bool
	ticket     uint16
}

// pendingPublish is a message queued by BatchPublish or waiting for a confirm.
type pendingPublish struct {
	msg       *Message
	exchange  string
	key       string
	mandatory bool
	immediate bool
}

// Publish sends msg to exchange with routing key key. In confirm mode the returned
// delivery tag identifies the publish in later acks and nacks; otherwise it is 0.
func (ch *Channel) Publish(exchange, key string, mandatory, immediate bool, msg *Message) (uint64, error) {
	pub, err := newPendingPublish(exchange, key, mandatory, immediate, msg)
	if err != nil {
		return 0, err
	}
	if err := ch.usable(); err != nil {
		return 0, err
	}

	counts := make(map[frame.Type]int, 3)
	buf, err := ch.appendPublish(nil, pub, counts)
	if err != nil {
		return 0, err
	}

	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()
	tag := ch.confirms.track(pub)
	if tag != 0 && ch.journal != nil {
		ch.journal.save(tag, pub)
	}
	if err := ch.conn.writeEncoded(buf, counts); err != nil {
		return 0, err
	}
	return tag, nil
}

// BatchPublish queues a publish locally. Nothing is sent until PublishBatch.
func (ch *Channel) BatchPublish(exchange, key string, mandatory, immediate bool, msg *Message) error {
	pub, err := newPendingPublish(exchange, key, mandatory, immediate, msg)
	if err != nil {
		return err
	}
	if err := ch.usable(); err != nil {
		return err
	}
	ch.publishMu.Lock()
	ch.batch = append(ch.batch, pub)
	ch.publishMu.Unlock()
	return nil
}

// BatchSize is the number of publishes queued by BatchPublish.
func (ch *Channel) BatchSize() int {
	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()
	return len(ch.batch)
}

// PublishBatch sends every queued publish in one socket write and clears the batch. In
// confirm mode it returns the delivery tags in publish order.
func (ch *Channel) PublishBatch() ([]uint64, error) {
	if err := ch.usable(); err != nil {
		return nil, err
	}

	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()
	if len(ch.batch) == 0 {
		return nil, nil
	}

	counts := make(map[frame.Type]int, 3)
	var buf []byte
	for _, pub := range ch.batch {
		var err error
		if buf, err = ch.appendPublish(buf, pub, counts); err != nil {
			return nil, err
		}
	}

	var tags []uint64
	for _, pub := range ch.batch {
		if tag := ch.confirms.track(pub); tag != 0 {
			tags = append(tags, tag)
		}
	}
	if len(tags) > 0 && ch.journal != nil {
		ch.journal.saveBatch(tags, ch.batch)
	}
	n := len(ch.batch)
	ch.batch = nil
	if err := ch.conn.writeEncoded(buf, counts); err != nil {
		return nil, err
	}
	ch.logger.Debug("Published batch of %d messages", n)
	return tags, nil
}

func newPendingPublish(exchange, key string, mandatory, immediate bool, msg *Message) (*pendingPublish, error) {
	if msg == nil {
		return nil, amqpError.InvalidArgument("cannot publish a nil message")
	}
	if len(exchange) > 255 || len(key) > 255 {
		return nil, amqpError.InvalidArgument("exchange and routing key are limited to 255 bytes")
	}
	return &pendingPublish{
		msg:       msg,
		exchange:  exchange,
		key:       key,
		mandatory: mandatory,
		immediate: immediate,
	}, nil
}

// appendPublish appends the method, header and body frames of pub to buf.
func (ch *Channel) appendPublish(buf []byte, pub *pendingPublish, counts map[frame.Type]int) ([]byte, error) {
	method, err := ch.publishFrame(publishKey{
		exchange:   pub.exchange,
		routingKey: pub.key,
		mandatory:  pub.mandatory,
		immediate:  pub.immediate,
		ticket:     ch.currentTicket(),
	})
	if err != nil {
		return nil, err
	}
	buf = append(buf, method...)
	counts[frame.TypeMethod]++

	body := pub.msg.Body
	header := proto.ContentHeader{
		ClassID:    proto.ClassBasic,
		BodySize:   uint64(len(body)),
		Properties: pub.msg.Properties,
	}
	payload, err := header.Encode(ch.conn.registry.Version())
	if err != nil {
		return nil, err
	}
	buf = (&frame.Frame{Type: frame.TypeHeader, Channel: ch.id, Payload: payload}).AppendTo(buf)
	counts[frame.TypeHeader]++

	chunk := len(body)
	if fm := ch.conn.FrameMax(); fm != 0 {
		chunk = int(fm) - frame.Overhead
	}
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		buf = (&frame.Frame{Type: frame.TypeBody, Channel: ch.id, Payload: body[off:end]}).AppendTo(buf)
		counts[frame.TypeBody]++
	}
	return buf, nil
}

// publishFrame returns the encoded basic.publish method frame for key, from the cache
// when possible.
func (ch *Channel) publishFrame(key publishKey) ([]byte, error) {
	if ch.cache != nil {
		if v, ok := ch.cache.Get(key); ok {
			return v.([]byte), nil
		}
	}
	payload, err := ch.conn.registry.Encode(&proto.BasicPublishMethod{
		Ticket:     key.ticket,
		Exchange:   key.exchange,
		RoutingKey: key.routingKey,
		Mandatory:  key.mandatory,
		Immediate:  key.immediate,
	})
	if err != nil {
		return nil, err
	}
	b := (&frame.Frame{Type: frame.TypeMethod, Channel: ch.id, Payload: payload}).AppendTo(nil)
	if ch.cache != nil {
		ch.cache.Add(key, b)
	}
	return b, nil
}
