package carrot

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	rabbitOnce sync.Once
	rabbitAddr string
	rabbitErr  error
)

// setupRabbitMQ starts one RabbitMQ container for the whole package run and returns
// its host:port. The container is reaped by testcontainers when the process exits.
func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping RabbitMQ integration test in -short mode")
	}
	rabbitOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "rabbitmq:3.13-alpine",
				ExposedPorts: []string{"5672/tcp"},
				WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(2 * time.Minute),
			},
			Started: true,
		})
		if err != nil {
			rabbitErr = fmt.Errorf("starting rabbitmq: %w", err)
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			rabbitErr = err
			return
		}
		port, err := c.MappedPort(ctx, "5672/tcp")
		if err != nil {
			rabbitErr = err
			return
		}
		rabbitAddr = net.JoinHostPort(host, port.Port())
	})
	if rabbitErr != nil {
		t.Skipf("RabbitMQ unavailable: %v", rabbitErr)
	}
	return rabbitAddr
}

func dialRabbit(t *testing.T, opts ...Option) *Connection {
	t.Helper()
	addr := setupRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := Dial(ctx, addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRabbitMQ_PublishConfirmAndConsume(t *testing.T) {
	conn := dialRabbit(t)
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	require.NoError(t, err)
	require.NotEmpty(t, q.Name)

	require.NoError(t, ch.ConfirmSelect(false))
	const n = 50
	for i := 0; i < n; i++ {
		body := []byte(fmt.Sprintf("msg-%02d", i))
		require.NoError(t, ch.BatchPublish("", q.Name, false, false, NewMessage(body, Properties{DeliveryMode: Persistent})))
	}
	tags, err := ch.PublishBatch()
	require.NoError(t, err)
	require.Len(t, tags, n)
	assert.Equal(t, uint64(1), tags[0])
	assert.Equal(t, uint64(n), tags[n-1])
	require.NoError(t, ch.WaitForPendingAcks(10*time.Second))

	var got []string
	_, err = ch.Consume(q.Name, "", true, false, false, false, nil, func(msg *Message) {
		got = append(got, string(msg.Body))
	})
	require.NoError(t, err)
	for len(got) < n {
		require.NoError(t, ch.Wait(5*time.Second))
	}
	assert.Equal(t, "msg-00", got[0])
	assert.Equal(t, "msg-49", got[n-1])
}

func TestRabbitMQ_LargeBodyRoundTripWithReferenceClient(t *testing.T) {
	conn := dialRabbit(t, WithFrameMax(4096))
	ch, err := conn.Channel()
	require.NoError(t, err)

	q, err := ch.QueueDeclare("", false, true, false, false, nil)
	require.NoError(t, err)

	body := make([]byte, 100_000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	msg := NewMessage(body, Properties{ContentType: "application/octet-stream", Headers: Table{"n": int32(7)}})
	_, err = ch.Publish("", q.Name, false, false, msg)
	require.NoError(t, err)

	// Read it back with an independent client.
	ref, err := amqp.Dial("amqp://guest:guest@" + setupRabbitMQ(t) + "/")
	require.NoError(t, err)
	defer ref.Close()
	refCh, err := ref.Channel()
	require.NoError(t, err)

	var d amqp.Delivery
	var ok bool
	require.Eventually(t, func() bool {
		d, ok, err = refCh.Get(q.Name, true)
		return err != nil || ok
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, body, d.Body)
	assert.Equal(t, "application/octet-stream", d.ContentType)
	assert.EqualValues(t, 7, d.Headers["n"])
}

func TestRabbitMQ_PassiveDeclareOfMissingQueue(t *testing.T) {
	conn := dialRabbit(t)
	ch, err := conn.Channel()
	require.NoError(t, err)

	_, err = ch.QueueDeclarePassive("carrot-does-not-exist", false, false, false, false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrChannelClosed)
	assert.True(t, ch.IsClosed())

	ch2, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch2.Qos(10, 0, false))
}

func TestRabbitMQ_MandatoryReturn(t *testing.T) {
	conn := dialRabbit(t)
	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NoError(t, ch.ConfirmSelect(false))

	var returned *Message
	require.NoError(t, ch.SetReturnHandler(func(msg *Message) { returned = msg }))
	_, err = ch.Publish("amq.direct", "carrot-unroutable", true, false, NewMessage([]byte("x"), Properties{}))
	require.NoError(t, err)
	require.NoError(t, ch.WaitForPendingAcksReturns(10*time.Second))

	require.NotNil(t, returned)
	assert.Equal(t, amqpError.NoRoute.Code(), returned.Delivery.ReplyCode)
}

func TestRabbitMQ_BadCredentials(t *testing.T) {
	addr := setupRabbitMQ(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := Dial(ctx, addr, WithCredentials("guest", "wrong"))
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
}

func TestRabbitMQ_ExchangeBindPublishConsume(t *testing.T) {
	conn := dialRabbit(t, WithHeartbeat(10))
	ch, err := conn.Channel()
	require.NoError(t, err)

	require.NoError(t, ch.ExchangeDeclare("test_exchange", "direct", false, false, false, false, nil))
	q, err := ch.QueueDeclare("", false, false, true, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(q.Name, q.Name, "test_exchange", false, nil))

	const body = "foo bar baz äëïöü"
	_, err = ch.Publish("test_exchange", q.Name, false, false,
		NewMessage([]byte(body), Properties{ContentType: "text/plain", DeliveryMode: Transient}))
	require.NoError(t, err)

	var got *Message
	tag, err := ch.Consume(q.Name, "", false, false, false, false, nil, func(msg *Message) { got = msg })
	require.NoError(t, err)
	for got == nil {
		require.NoError(t, ch.Wait(5*time.Second))
	}

	assert.Equal(t, body, string(got.Body))
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, Transient, got.DeliveryMode)
	assert.Equal(t, "test_exchange", got.Delivery.Exchange)
	assert.Equal(t, q.Name, got.Delivery.RoutingKey)
	assert.False(t, got.Delivery.Redelivered)
	require.NoError(t, got.Ack(false))

	require.NoError(t, ch.Cancel(tag, false))
	require.NoError(t, ch.ExchangeDelete("test_exchange", false, false))
	require.NoError(t, ch.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
}
