package carrot

import (
	"context"
	"errors"
	"testing"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/internal/proto"
	"github.com/aleybovich/carrot-amqp/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	tests := []struct {
		client, server, want uint16
	}{
		{0, 0, 0},
		{0, 10, 10},
		{10, 0, 10},
		{10, 20, 10},
		{20, 10, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, negotiate(tt.client, tt.server), "negotiate(%d, %d)", tt.client, tt.server)
	}
	assert.Equal(t, uint32(4096), negotiate[uint32](4096, 131072))
}

func TestDial_HandshakeAndClose(t *testing.T) {
	b := newFakeBroker(t, Version091)
	var startOk *proto.ConnectionStartOkMethod
	b.run(func(s *brokerSession) {
		startOk = s.handshake(defaultTune)
		s.closeConnection()
	})

	conn := dialFake(t, b, WithCredentials("alice", "secret"))
	assert.Equal(t, StateOpen, conn.State())
	assert.Equal(t, uint16(2047), conn.ChannelMax())
	assert.Equal(t, uint32(131072), conn.FrameMax())
	assert.Equal(t, uint16(0), conn.Heartbeat())
	assert.Equal(t, "fake-broker", conn.ServerProperties()["product"])

	require.NoError(t, conn.Close())
	require.NoError(t, b.wait())

	assert.True(t, conn.IsClosed())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, "PLAIN", startOk.Mechanism)
	assert.Equal(t, "\x00alice\x00secret", startOk.Response)
	caps, ok := startOk.ClientProperties["capabilities"].(wire.Table)
	require.True(t, ok, "0-9-1 clients advertise capabilities")
	assert.Equal(t, true, caps["publisher_confirms"])

	_, err := conn.Channel()
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
	assert.ErrorIs(t, conn.Close(), amqpError.ErrConnectionClosed)
}

func TestDial_NegotiatesTuning(t *testing.T) {
	b := newFakeBroker(t, Version091)
	var tuneOk *proto.ConnectionTuneMethod
	b.run(func(s *brokerSession) {
		s.readHeader()
		s.send(0, &proto.ConnectionStartMethod{VersionMajor: 0, VersionMinor: 9, Mechanisms: "PLAIN", Locales: "en_US"})
		s.expect(0, proto.ConnectionStartOk)
		s.send(0, &proto.ConnectionTuneMethod{ChannelMax: 100, FrameMax: 131072, Heartbeat: 0})
		tuneOk = s.expect(0, proto.ConnectionTuneOk).(*proto.ConnectionTuneMethod)
		s.expect(0, proto.ConnectionOpen)
		s.send(0, &proto.ConnectionOpenOkMethod{})
	})

	conn := dialFake(t, b, WithChannelMax(0), WithFrameMax(65536))
	require.NoError(t, b.wait())

	assert.Equal(t, uint16(100), conn.ChannelMax())
	assert.Equal(t, uint32(65536), conn.FrameMax())
	assert.Equal(t, uint16(100), tuneOk.ChannelMax)
	assert.Equal(t, uint32(65536), tuneOk.FrameMax)
}

func TestDial_AMQPlainResponse(t *testing.T) {
	b := newFakeBroker(t, Version091)
	var startOk *proto.ConnectionStartOkMethod
	b.run(func(s *brokerSession) {
		startOk = s.handshake(defaultTune)
	})

	dialFake(t, b, WithAuthMechanism("AMQPLAIN"), WithCredentials("bob", "pw"))
	require.NoError(t, b.wait())

	assert.Equal(t, "AMQPLAIN", startOk.Mechanism)
	// The response is a field table body without its length prefix.
	w := wire.NewWriter(wire.Version091)
	w.WriteLongstr(startOk.Response)
	raw, err := w.Bytes()
	require.NoError(t, err)
	table, err := wire.NewReader(raw, wire.Version091).ReadTable()
	require.NoError(t, err)
	assert.Equal(t, "bob", table["LOGIN"])
	assert.Equal(t, "pw", table["PASSWORD"])
}

func TestDial_SecureChallenge(t *testing.T) {
	b := newFakeBroker(t, Version091)
	var answer string
	b.run(func(s *brokerSession) {
		s.readHeader()
		s.send(0, &proto.ConnectionStartMethod{VersionMinor: 9, Mechanisms: "PLAIN", Locales: "en_US"})
		s.expect(0, proto.ConnectionStartOk)
		s.send(0, &proto.ConnectionSecureMethod{Challenge: "nonce-1"})
		answer = s.expect(0, proto.ConnectionSecureOk).(*proto.ConnectionSecureOkMethod).Response
		s.send(0, &proto.ConnectionTuneMethod{FrameMax: 131072})
		s.expect(0, proto.ConnectionTuneOk)
		s.expect(0, proto.ConnectionOpen)
		s.send(0, &proto.ConnectionOpenOkMethod{})
	})

	dialFake(t, b, WithSecureResponder(func(challenge string) (string, error) {
		return "answer-to-" + challenge, nil
	}))
	require.NoError(t, b.wait())
	assert.Equal(t, "answer-to-nonce-1", answer)
}

func TestDial_AccessRefused(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.readHeader()
		s.send(0, &proto.ConnectionStartMethod{VersionMinor: 9, Mechanisms: "PLAIN", Locales: "en_US"})
		s.expect(0, proto.ConnectionStartOk)
		s.send(0, proto.NewConnectionClose(amqpError.AccessRefused.Code(), "ACCESS_REFUSED - Login was refused", 0, 0))
		s.expect(0, proto.ConnectionCloseOk)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, b.addr(), WithHeartbeat(0))
	require.Error(t, err)
	assert.Nil(t, conn)
	require.NoError(t, b.wait())

	var perr *amqpError.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, amqpError.AccessRefused, perr.Code)
	assert.True(t, perr.Hard)
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
}

func TestDial_MechanismNotOffered(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.readHeader()
		s.send(0, &proto.ConnectionStartMethod{VersionMinor: 9, Mechanisms: "EXTERNAL", Locales: "en_US"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, b.addr(), WithHeartbeat(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLAIN")
	require.NoError(t, b.wait())
}

func TestDial_PeerHangsUpDuringHandshake(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.readHeader()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, b.addr(), WithHeartbeat(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
	require.NoError(t, b.wait())
}

func TestDial_Legacy08FollowsRedirect(t *testing.T) {
	target := newFakeBroker(t, Version08)
	target.run(func(s *brokerSession) {
		s.handshake(defaultTune)
	})

	first := newFakeBroker(t, Version08)
	first.run(func(s *brokerSession) {
		if got := s.readHeader(); string(got) != "AMQP\x01\x01\x09\x01" {
			s.fail("0-8 header %q", got)
		}
		s.send(0, &proto.ConnectionStartMethod{VersionMajor: 8, VersionMinor: 0, Mechanisms: "PLAIN", Locales: "en_US"})
		startOk := s.expect(0, proto.ConnectionStartOk).(*proto.ConnectionStartOkMethod)
		if _, ok := startOk.ClientProperties["capabilities"]; ok {
			s.fail("0-8 start-ok must not carry capabilities")
		}
		s.send(0, &proto.ConnectionTuneMethod{ChannelMax: 2047, FrameMax: 131072})
		s.expect(0, proto.ConnectionTuneOk)
		s.expect(0, proto.ConnectionOpen)
		s.send(0, &proto.ConnectionRedirectMethod{Host: target.addr(), KnownHosts: target.addr()})
	})

	conn := dialFake(t, first)
	require.NoError(t, first.wait())
	require.NoError(t, target.wait())
	assert.Equal(t, target.addr(), conn.Addr())
	assert.Equal(t, Version08, conn.Version())
	assert.Equal(t, StateOpen, conn.State())
}

func TestConnection_NoFreeChannel(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(tuneParams{channelMax: 1, frameMax: 131072})
		s.openChannel(1)
	})

	conn := dialFake(t, b)
	ch, err := conn.Channel()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch.ID())

	_, err = conn.Channel()
	assert.ErrorIs(t, err, amqpError.ErrNoFreeChannel)
	require.NoError(t, b.wait())
}

func TestConnection_BlockedWhileChannelWaits(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.expect(1, proto.BasicQos)
		s.send(0, &proto.ConnectionBlockedMethod{Reason: "low on memory"})
		s.send(1, &proto.Empty{Sig: proto.BasicQosOk})
		s.expect(1, proto.BasicQos)
		s.send(0, &proto.Empty{Sig: proto.ConnectionUnblocked})
		s.send(1, &proto.Empty{Sig: proto.BasicQosOk})
	})

	var reasons []string
	unblocked := 0
	conn := dialFake(t, b, WithBlockedHandlers(
		func(reason string) { reasons = append(reasons, reason) },
		func() { unblocked++ },
	))
	ch, err := conn.Channel()
	require.NoError(t, err)

	require.NoError(t, ch.Qos(10, 0, false))
	assert.Equal(t, []string{"low on memory"}, reasons)
	assert.True(t, conn.Blocked())

	require.NoError(t, ch.Qos(20, 0, false))
	assert.Equal(t, 1, unblocked)
	assert.False(t, conn.Blocked())
	require.NoError(t, b.wait())
}

func TestConnection_BrokerCloseFailsPendingCall(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.expect(1, proto.QueueDeclare)
		s.send(0, proto.NewConnectionClose(amqpError.ConnectionForced.Code(), "CONNECTION_FORCED - shutdown", 0, 0))
		s.expect(0, proto.ConnectionCloseOk)
	})

	conn := dialFake(t, b)
	ch, err := conn.Channel()
	require.NoError(t, err)

	_, err = ch.QueueDeclare("jobs", true, false, false, false, nil)
	require.Error(t, err)
	require.NoError(t, b.wait())

	var perr *amqpError.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, amqpError.ConnectionForced, perr.Code)
	assert.True(t, perr.Hard)
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())
	assert.ErrorIs(t, ch.CloseError(), amqpError.ErrConnectionClosed)

	_, err = ch.QueueDeclare("jobs", true, false, false, false, nil)
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
}

func TestConnection_FramingErrorIsFatal(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
		s.openChannel(1)
		s.expect(1, proto.BasicQos)
		// Valid header, wrong terminator.
		s.sendRaw([]byte{1, 0, 1, 0, 0, 0, 4, 0, 60, 0, 11, 0x00})
	})

	conn := dialFake(t, b)
	ch, err := conn.Channel()
	require.NoError(t, err)

	err = ch.Qos(1, 0, false)
	require.Error(t, err)
	require.NoError(t, b.wait())

	var fe *amqpError.FramingError
	assert.True(t, errors.As(err, &fe), "got %v", err)
	assert.True(t, conn.IsClosed())
	_, err = ch.Publish("", "q", false, false, NewMessage(nil, Properties{}))
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
}

func TestHeartbeatTick(t *testing.T) {
	b := newFakeBroker(t, Version091)
	heartbeats := make(chan struct{}, 1)
	b.run(func(s *brokerSession) {
		s.handshake(tuneParams{channelMax: 2047, frameMax: 131072, heartbeat: 60})
		f, res, err := s.transport.ReadFrame(0)
		if err != nil || res != frame.Ready || f.Type != frame.TypeHeartbeat {
			s.fail("expected heartbeat frame, got %v %s %v", f, res, err)
		}
		heartbeats <- struct{}{}
	})

	conn := dialFake(t, b)
	require.Equal(t, uint16(60), conn.Heartbeat())

	// Nothing written for a full interval: a heartbeat goes out.
	require.NoError(t, conn.heartbeatTick(time.Now().Add(61*time.Second)))
	select {
	case <-heartbeats:
	case <-time.After(5 * time.Second):
		t.Fatal("broker never saw a heartbeat")
	}
	require.NoError(t, b.wait())

	// Nothing read for more than two intervals: the connection is declared dead.
	err := conn.heartbeatTick(time.Now().Add(125 * time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrConnectionClosed)
	assert.True(t, conn.IsClosed())
}

func TestHeartbeatTick_DisabledIsNoop(t *testing.T) {
	b := newFakeBroker(t, Version091)
	b.run(func(s *brokerSession) {
		s.handshake(defaultTune)
	})

	conn := dialFake(t, b)
	require.NoError(t, b.wait())
	require.NoError(t, conn.heartbeatTick(time.Now().Add(time.Hour)))
	assert.False(t, conn.IsClosed())
}
