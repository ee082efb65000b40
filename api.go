// Package carrot is an AMQP 0-9-1 client with support for legacy 0-8 brokers.
// It speaks the wire protocol directly: one goroutine-safe Connection multiplexes any
// number of Channels, each used by one goroutine at a time.
//
// A minimal publisher:
//
//	conn, err := carrot.Dial(ctx, "localhost:5672", carrot.WithCredentials("guest", "guest"))
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	ch, err := conn.Channel()
//	if err != nil {
//	    return err
//	}
//	if err := ch.ConfirmSelect(false); err != nil {
//	    return err
//	}
//	if _, err := ch.Publish("", "jobs", false, false, carrot.NewMessage([]byte("hi"), carrot.Properties{})); err != nil {
//	    return err
//	}
//	return ch.WaitForPendingAcks(5 * time.Second)
package carrot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	amqpError "github.com/aleybovich/carrot-amqp/amqperror"
	"github.com/aleybovich/carrot-amqp/config"
	"github.com/aleybovich/carrot-amqp/internal/frame"
	"github.com/aleybovich/carrot-amqp/storage"
	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dial connects to the broker at addr ("host" or "host:port") and runs the handshake.
func Dial(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	c := newConnection(withDefaultPort(addr), nil, opts...)
	c.dial = c.socketIO
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialConn runs the handshake over an already established net.Conn. Such a connection
// cannot follow redirects or Reconnect.
func DialConn(ctx context.Context, conn net.Conn, opts ...Option) (*Connection, error) {
	c := newConnection(conn.RemoteAddr().String(), nil, opts...)
	sio := frame.NewConnIO(conn)
	sio.ReadTimeout = c.opts.readTimeout
	sio.WriteTimeout = c.opts.writeTimeout
	c.io = sio
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// DialURL connects using an amqp:// or amqps:// URI. Credentials and vhost from the
// URI are applied before opts, so explicit options win.
func DialURL(ctx context.Context, uri string, opts ...Option) (*Connection, error) {
	u, err := amqp.ParseURI(uri)
	if err != nil {
		return nil, amqpError.InvalidArgument("parsing %q: %v", uri, err)
	}
	base := []Option{
		WithCredentials(u.Username, u.Password),
		WithVHost(u.Vhost),
	}
	if u.Scheme == "amqps" {
		base = append(base, WithTLS(&tls.Config{ServerName: u.Host, MinVersion: tls.VersionTLS12}))
	}
	addr := net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
	return Dial(ctx, addr, append(base, opts...)...)
}

// DialConfig connects using a ConnectionConfig, typically from config.Load. When the
// config names a storage backend the connection opens it as its confirm journal and
// closes it in Close.
func DialConfig(ctx context.Context, cfg config.ConnectionConfig, opts ...Option) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid connection config: %w", err)
	}
	l, err := cfg.Logging.Logger()
	if err != nil {
		return nil, err
	}

	version := Version091
	if cfg.Protocol == "0-8" {
		version = Version08
	}
	base := []Option{
		WithLogger(l),
		WithProtocolVersion(version),
		WithCredentials(cfg.Username, cfg.Password),
		WithInsist(cfg.Insist),
		WithHeartbeat(cfg.Heartbeat),
		WithChannelMax(cfg.ChannelMax),
		WithFrameMax(cfg.FrameMax),
		WithConnectTimeout(cfg.ConnectTimeout),
		WithReadTimeout(cfg.ReadTimeout),
		WithWriteTimeout(cfg.WriteTimeout),
		WithCloseTimeout(cfg.CloseTimeout),
		WithPublishCacheSize(cfg.PublishCacheSize),
		WithHeartbeatLogging(cfg.Logging.HeartbeatLogging),
	}
	if cfg.VHost != "" {
		base = append(base, WithVHost(cfg.VHost))
	}
	if cfg.Auth != "" {
		base = append(base, WithAuthMechanism(string(cfg.Auth)))
	}
	if cfg.Locale != "" {
		base = append(base, WithLocale(cfg.Locale))
	}
	if cfg.TLS {
		base = append(base, WithTLS(&tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}))
	}

	var journal storage.StorageProvider
	if cfg.Storage.Type != "" {
		if journal, err = storage.Open(cfg.Storage); err != nil {
			return nil, err
		}
		if journal != nil {
			base = append(base, WithConfirmJournal(journal, cfg.Storage.Namespace), withOwnedJournal())
		}
	}

	c, err := Dial(ctx, cfg.Addr(), append(base, opts...)...)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, err
	}
	return c, nil
}

// Reconnect dials the broker again after the connection was lost, retrying with
// exponential backoff until it succeeds, ctx ends or the broker refuses the
// credentials. Channels are not restored; open new ones afterwards.
func (c *Connection) Reconnect(ctx context.Context) error {
	if c.dial == nil {
		return amqpError.InvalidArgument("connection over a caller-supplied net.Conn cannot reconnect")
	}
	if c.readErr() == nil {
		c.shutdown(fmt.Errorf("%w: reconnecting", amqpError.ErrConnectionClosed))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := c.connect(ctx)
		if err == nil {
			return nil
		}
		var perr *amqpError.ProtocolError
		if errors.As(err, &perr) && perr.Code == amqpError.AccessRefused || errors.Is(err, amqpError.ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Reconnect attempt %d to %s failed: %v", attempt, c.addr, err)
		return err
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return fmt.Errorf("reconnecting to %s after %d attempts: %w", c.addr, attempt, err)
	}
	c.metrics.Reconnected()
	c.logger.Info("Reconnected to %s after %d attempts", c.addr, attempt)
	return nil
}
