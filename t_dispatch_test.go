package carrot

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTwo dials b and opens channels 1 and 2.
func openTwo(t *testing.T, b *fakeBroker, opts ...Option) (*Connection, *Channel, *Channel) {
	t.Helper()
	conn := dialFake(t, b, opts...)
	ch1, err := conn.Channel()
	require.NoError(t, err)
	ch2, err := conn.Channel()
	require.NoError(t, err)
	require.Equal(t, uint16(1), ch1.ID())
	require.Equal(t, uint16(2), ch2.ID())
	return conn, ch1, ch2
}

// waitForReader blocks until some goroutine is parked in the socket read.
func waitForReader(t *testing.T, conn *Connection) {
	t.Helper()
	require.Eventually(t, func() bool { return len(conn.reader) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatch_RPCCompletesWhileAnotherChannelBlocks(t *testing.T) {
	b := newFakeBroker(t, Version091)
	release := make(chan struct{})
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.openChannel(2)
		s.expect(2, proto.BasicQos)
		s.send(2, &proto.Empty{Sig: proto.BasicQosOk})
		<-release
		s.send(1, proto.NewFlow(false))
		s.expect(1, proto.ChannelFlowOk)
	})

	_, ch1, ch2 := openTwo(t, b)
	waitErr := make(chan error, 1)
	go func() { waitErr <- ch1.Wait(0) }()
	waitForReader(t, ch1.conn)

	qosErr := make(chan error, 1)
	go func() { qosErr <- ch2.Qos(5, 0, false) }()
	select {
	case err := <-qosErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("qos on channel 2 stuck behind a blocked wait on channel 1")
	}

	close(release)
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("wait on channel 1 did not return")
	}
	assert.False(t, ch1.Active())
	assert.True(t, ch2.Active())
	require.NoError(t, b.wait())
}

func TestDispatch_DeadlineHonouredWhileAnotherChannelReads(t *testing.T) {
	b := newFakeBroker(t, Version091)
	release := make(chan struct{})
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.openChannel(2)
		<-release
		s.send(1, proto.NewFlow(false))
		s.expect(1, proto.ChannelFlowOk)
	})

	_, ch1, ch2 := openTwo(t, b)
	waitErr := make(chan error, 1)
	go func() { waitErr <- ch1.Wait(0) }()
	waitForReader(t, ch1.conn)

	start := time.Now()
	err := ch2.Wait(50 * time.Millisecond)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, amqpError.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, StateOpen, ch2.State())

	close(release)
	select {
	case err := <-waitErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("wait on channel 1 did not return")
	}
	require.NoError(t, b.wait())
}

func TestDispatch_InterleavedChannelsKeepOrder(t *testing.T) {
	b := newFakeBroker(t, Version091)
	deliver := func(s *brokerSession, ch uint16, tag string, n uint64) {
		s.sendContent(ch, &proto.BasicDeliverMethod{ConsumerTag: tag, DeliveryTag: n, RoutingKey: "jobs"},
			proto.Properties{}, []byte(fmt.Sprintf("%s-%d", tag, n)))
	}
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.openChannel(2)
		s.expect(1, proto.BasicConsume)
		s.send(1, &proto.ConsumerTagMethod{Sig: proto.BasicConsumeOk, ConsumerTag: "a"})
		s.expect(2, proto.BasicConsume)
		s.send(2, &proto.ConsumerTagMethod{Sig: proto.BasicConsumeOk, ConsumerTag: "b"})

		// Channel 1 is the reader here: channel 2 traffic must be queued, not lost.
		s.expect(1, proto.BasicQos)
		deliver(s, 2, "b", 1)
		deliver(s, 1, "a", 1)
		deliver(s, 2, "b", 2)
		s.send(1, &proto.Empty{Sig: proto.BasicQosOk})

		s.expect(2, proto.BasicQos)
		deliver(s, 1, "a", 2)
		deliver(s, 2, "b", 3)
		s.send(2, &proto.Empty{Sig: proto.BasicQosOk})
	})

	_, ch1, ch2 := openTwo(t, b)
	var got1, got2 []string
	_, err := ch1.Consume("jobs", "", false, false, false, false, nil, func(msg *Message) {
		got1 = append(got1, msg.Delivery.ConsumerTag+":"+string(msg.Body))
	})
	require.NoError(t, err)
	_, err = ch2.Consume("jobs", "", false, false, false, false, nil, func(msg *Message) {
		got2 = append(got2, msg.Delivery.ConsumerTag+":"+string(msg.Body))
	})
	require.NoError(t, err)

	require.NoError(t, ch1.Qos(1, 0, false))
	require.NoError(t, ch2.Qos(1, 0, false))

	for i := 0; i < 2; i++ {
		require.NoError(t, ch1.Wait(time.Second))
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, ch2.Wait(time.Second))
	}
	assert.Equal(t, []string{"a:a-1", "a:a-2"}, got1)
	assert.Equal(t, []string{"b:b-1", "b:b-2", "b:b-3"}, got2)
	assert.Equal(t, 0, ch1.d.deferred())
	assert.Equal(t, 0, ch2.d.deferred())
	require.NoError(t, b.wait())
}

func TestDispatch_ServiceConnectionYieldsToChannelZeroWaiter(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
	})
	conn := dialFake(t, b)
	require.NoError(t, b.wait())

	queue := func(m proto.Method) {
		payload, err := conn.registry.Encode(m)
		require.NoError(t, err)
		assert.True(t, conn.route(&frame.Frame{Type: frame.TypeMethod, Channel: 0, Payload: payload}))
	}

	// While someone waits on channel 0, its reply stays queued for that waiter.
	queue(&proto.Empty{Sig: proto.ConnectionCloseOk})
	conn.d.waitMu.Lock()
	conn.serviceConnection()
	conn.d.waitMu.Unlock()
	assert.True(t, conn.hasQueuedFrames(conn.d))
	assert.Equal(t, 0, conn.d.deferred())
	f := conn.popFrame(conn.d)
	require.NotNil(t, f)

	// With nobody waiting, blocked notifications are handled right away.
	queue(&proto.ConnectionBlockedMethod{Reason: "disk"})
	conn.serviceConnection()
	assert.False(t, conn.hasQueuedFrames(conn.d))
	assert.True(t, conn.Blocked())
}

func TestDispatch_ShutdownWakesBlockedWaiters(t *testing.T) {
	b := newFakeBroker(t, Version091)
	release := make(chan struct{})
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.openChannel(2)
		<-release
	})

	conn, ch1, ch2 := openTwo(t, b)
	errs := make(chan error, 2)
	go func() { errs <- ch1.Wait(0) }()
	waitForReader(t, conn)
	go func() { errs <- ch2.Wait(0) }()

	conn.fail(amqpError.NewFramingError("injected"))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("waiter not woken by connection failure")
		}
	}
	close(release)
	require.NoError(t, b.wait())
}

// lineLogger records formatted log lines.
type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) add(format string, a ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, a...))
	l.mu.Unlock()
}

func (l *lineLogger) Fatal(format string, a ...any) { panic(fmt.Sprintf(format, a...)) }
func (l *lineLogger) Err(format string, a ...any)   { l.add(format, a...) }
func (l *lineLogger) Warn(format string, a ...any)  { l.add(format, a...) }
func (l *lineLogger) Info(format string, a ...any)  { l.add(format, a...) }
func (l *lineLogger) Debug(format string, a ...any) { l.add(format, a...) }

func TestChannel_LogLinesNameChannelOnce(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.send(1, proto.NewFlow(false))
		s.expect(1, proto.ChannelFlowOk)
		s.expect(1, proto.ConfirmSelect)
		s.send(1, &proto.Empty{Sig: proto.ConfirmSelectOk})
		s.closeChannel(1)
	})

	rec := &lineLogger{}
	_, ch := openFake(t, b, WithLogger(rec))
	require.NoError(t, ch.Wait(time.Second))
	require.NoError(t, ch.ConfirmSelect(false))
	require.NoError(t, ch.Close())
	require.NoError(t, b.wait())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	tagged := 0
	for _, line := range rec.lines {
		if !strings.Contains(line, "[channel=1]") {
			continue
		}
		tagged++
		assert.NotContains(t, strings.ToLower(line), "channel 1", line)
	}
	assert.GreaterOrEqual(t, tagged, 3)
}
