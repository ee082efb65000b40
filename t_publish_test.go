package carrot

import (
	"bytes"
	"strings"
	"testing"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_SplitsBodyAtFrameMax(t *testing.T) {
	b := newFakeBroker(t, Version091)
	type received struct {
		method *proto.BasicPublishMethod
		hdr    *proto.ContentHeader
		body   []byte
		frames int
	}
	var got []received
	b.run(func(s *brokerSession) {
		s.handshake(tuneParams{channelMax: 2047, frameMax: frame.MinFrameMax})
		s.openChannel(1)
		for i := 0; i < 2; i++ {
			m, hdr, body, n := s.expectContent(1, proto.BasicPublish)
			got = append(got, received{m.(*proto.BasicPublishMethod), hdr, body, n})
		}
	})

	_, ch := openFake(t, b)
	big := bytes.Repeat([]byte("x"), 10000)
	tag, err := ch.Publish("amq.direct", "big", true, false, NewMessage(big, Properties{DeliveryMode: Persistent}))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tag, "no delivery tag outside confirm mode")

	_, err = ch.Publish("", "empty", false, false, NewMessage(nil, Properties{}))
	require.NoError(t, err)
	require.NoError(t, b.wait())

	require.Len(t, got, 2)
	assert.Equal(t, "amq.direct", got[0].method.Exchange)
	assert.Equal(t, "big", got[0].method.RoutingKey)
	assert.True(t, got[0].method.Mandatory)
	assert.Equal(t, uint64(10000), got[0].hdr.BodySize)
	assert.Equal(t, Persistent, got[0].hdr.Properties.DeliveryMode)
	assert.Equal(t, big, got[0].body)
	// 4096 - 8 bytes of frame overhead per body frame.
	assert.Equal(t, 3, got[0].frames)

	assert.Equal(t, uint64(0), got[1].hdr.BodySize)
	assert.Equal(t, 0, got[1].frames)
}

func TestPublish_RejectsInvalidArguments(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
	})

	_, ch := openFake(t, b)
	require.NoError(t, b.wait())

	_, err := ch.Publish("", "q", false, false, nil)
	assert.ErrorIs(t, err, amqpError.ErrInvalidArgument)
	_, err = ch.Publish(strings.Repeat("e", 256), "q", false, false, NewMessage(nil, Properties{}))
	assert.ErrorIs(t, err, amqpError.ErrInvalidArgument)
	assert.ErrorIs(t, ch.BatchPublish("", strings.Repeat("k", 256), false, false, NewMessage(nil, Properties{})), amqpError.ErrInvalidArgument)
	assert.Equal(t, 0, ch.BatchSize())
}

func TestPublishFrame_CacheMatchesFreshEncoding(t *testing.T) {
	cached := newChannel(newConnection("unused", nil, WithPublishCacheSize(2)), 3)
	fresh := newChannel(newConnection("unused", nil, WithPublishCacheSize(0)), 3)
	require.NotNil(t, cached.cache)
	require.Nil(t, fresh.cache)

	k1 := publishKey{exchange: "events", routingKey: "a"}
	k2 := publishKey{exchange: "events", routingKey: "b", mandatory: true}
	k3 := publishKey{exchange: "", routingKey: "c", immediate: true}

	first, err := cached.publishFrame(k1)
	require.NoError(t, err)
	again, err := cached.publishFrame(k1)
	require.NoError(t, err)
	want, err := fresh.publishFrame(k1)
	require.NoError(t, err)
	assert.Equal(t, want, first)
	assert.Equal(t, want, again)

	f, n, err := frame.Decode(first)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	assert.Equal(t, frame.TypeMethod, f.Type)
	assert.Equal(t, uint16(3), f.Channel)

	for _, k := range []publishKey{k2, k3} {
		got, err := cached.publishFrame(k)
		require.NoError(t, err)
		want, err := fresh.publishFrame(k)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 2, cached.cache.Len())
	assert.False(t, cached.cache.Contains(k1), "least recently used key is evicted")
}

func TestBatchPublish_OrderedTagsInOneFlush(t *testing.T) {
	b := newFakeBroker(t, Version091)
	var keys []string
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.expect(1, proto.ConfirmSelect)
		s.send(1, &proto.Empty{Sig: proto.ConfirmSelectOk})
		for i := 0; i < 3; i++ {
			m, _, _, _ := s.expectContent(1, proto.BasicPublish)
			keys = append(keys, m.(*proto.BasicPublishMethod).RoutingKey)
		}
		s.send(1, proto.NewAck(3, true))
	})

	_, ch := openFake(t, b)
	require.NoError(t, ch.ConfirmSelect(false))
	for _, key := range []string{"k1", "k2", "k3"} {
		require.NoError(t, ch.BatchPublish("", key, false, false, NewMessage([]byte(key), Properties{})))
	}
	assert.Equal(t, 3, ch.BatchSize())
	assert.Equal(t, 0, ch.PendingConfirms(), "queued publishes are not tracked until flushed")

	tags, err := ch.PublishBatch()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, tags)
	assert.Equal(t, 0, ch.BatchSize())

	require.NoError(t, ch.WaitForPendingAcks(5 * time.Second))
	require.NoError(t, b.wait())
	assert.Equal(t, []string{"k1", "k2", "k3"}, keys)

	tags, err = ch.PublishBatch()
	require.NoError(t, err)
	assert.Empty(t, tags)
}
