package carrot

import (
	"crypto/tls"
	"time"

	"github.com/aleybovich/carrot-amqp/internal/wire"
	"github.com/aleybovich/carrot-amqp/logger"
	"github.com/aleybovich/carrot-amqp/metrics"
	"github.com/aleybovich/carrot-amqp/storage"
)

const (
	DefaultPort           = 5672
	DefaultChannelMax     = 2047
	DefaultFrameMax       = 131072
	DefaultHeartbeat      = 60
	DefaultConnectTimeout = 30 * time.Second
	DefaultCloseTimeout   = 10 * time.Second
	DefaultLocale         = "en_US"
	DefaultPublishCache   = 100

	productName    = "carrot-amqp"
	productVersion = "1.0.0"
)

// SecureResponder answers a connection.secure challenge.
type SecureResponder func(challenge string) (string, error)

type options struct {
	logger  logger.Logger
	version wire.ProtocolVersion

	username   string
	password   string
	vhost      string
	mechanism  string
	locale     string
	properties wire.Table
	responder  SecureResponder
	insist     bool

	channelMax uint16
	frameMax   uint32
	heartbeat  uint16

	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	closeTimeout   time.Duration
	tls            *tls.Config

	metrics          *metrics.Collector
	journal          storage.StorageProvider
	journalNamespace string
	ownsJournal      bool
	publishCacheSize int

	onBlocked   func(reason string)
	onUnblocked func()

	heartbeatLogging bool
}

func defaultOptions() *options {
	return &options{
		logger:           &logger.NilLogger{},
		version:          wire.Version091,
		username:         "guest",
		password:         "guest",
		vhost:            "/",
		mechanism:        "PLAIN",
		locale:           DefaultLocale,
		channelMax:       DefaultChannelMax,
		frameMax:         DefaultFrameMax,
		heartbeat:        DefaultHeartbeat,
		connectTimeout:   DefaultConnectTimeout,
		closeTimeout:     DefaultCloseTimeout,
		publishCacheSize: DefaultPublishCache,
	}
}

// Option configures a Connection.
type Option func(*options)

// WithLogger sets the logger used by the connection and its channels.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithProtocolVersion selects the protocol dialect. The default is 0-9-1.
func WithProtocolVersion(v wire.ProtocolVersion) Option {
	return func(o *options) { o.version = v }
}

// WithCredentials sets the user name and password sent in connection.start-ok.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

func WithVHost(vhost string) Option {
	return func(o *options) { o.vhost = vhost }
}

// WithAuthMechanism selects PLAIN or AMQPLAIN.
func WithAuthMechanism(mechanism string) Option {
	return func(o *options) { o.mechanism = mechanism }
}

func WithLocale(locale string) Option {
	return func(o *options) { o.locale = locale }
}

// WithSecureResponder answers connection.secure challenges. Without one a challenge
// fails the handshake.
func WithSecureResponder(r SecureResponder) Option {
	return func(o *options) { o.responder = r }
}

// WithInsist sets the insist flag on connection.open (0-8 brokers may otherwise redirect).
func WithInsist(insist bool) Option {
	return func(o *options) { o.insist = insist }
}

// WithClientProperties merges extra entries into the client properties table.
func WithClientProperties(props wire.Table) Option {
	return func(o *options) {
		if o.properties == nil {
			o.properties = wire.Table{}
		}
		for k, v := range props {
			o.properties[k] = v
		}
	}
}

// WithHeartbeat sets the requested heartbeat interval in seconds. 0 defers to the broker.
func WithHeartbeat(seconds uint16) Option {
	return func(o *options) { o.heartbeat = seconds }
}

// WithChannelMax sets the requested channel-max. 0 defers to the broker.
func WithChannelMax(n uint16) Option {
	return func(o *options) { o.channelMax = n }
}

// WithFrameMax sets the requested frame-max. 0 defers to the broker.
func WithFrameMax(n uint32) Option {
	return func(o *options) { o.frameMax = n }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithReadTimeout bounds reads that must complete once started, such as the body
// frames of a message. 0 means no bound.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithWriteTimeout bounds every socket write. A write that times out closes the
// connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithCloseTimeout bounds the wait for close-ok during Close.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) { o.closeTimeout = d }
}

// WithTLS enables TLS with the given configuration.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithMetrics records frame, confirm and heartbeat counters.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithConfirmJournal mirrors unconfirmed publishes into a storage provider so they can
// be recovered after a crash. The namespace separates independent publishers sharing
// one store.
func WithConfirmJournal(provider storage.StorageProvider, namespace string) Option {
	return func(o *options) {
		o.journal = provider
		o.journalNamespace = namespace
	}
}

// withOwnedJournal makes Close also close the journal provider.
func withOwnedJournal() Option {
	return func(o *options) { o.ownsJournal = true }
}

// WithPublishCacheSize bounds the per-channel cache of encoded publish frames.
// 0 disables the cache.
func WithPublishCacheSize(n int) Option {
	return func(o *options) { o.publishCacheSize = n }
}

// WithBlockedHandlers registers callbacks for connection.blocked and
// connection.unblocked.
func WithBlockedHandlers(onBlocked func(reason string), onUnblocked func()) Option {
	return func(o *options) {
		o.onBlocked = onBlocked
		o.onUnblocked = onUnblocked
	}
}

// WithHeartbeatLogging logs every heartbeat sent and received at debug level.
func WithHeartbeatLogging(enabled bool) Option {
	return func(o *options) { o.heartbeatLogging = enabled }
}

func (o *options) clientProperties() wire.Table {
	props := wire.Table{
		"product":     productName,
		"version":     productVersion,
		"platform":    "Go",
		"information": "https://github.com/aleybovich/carrot-amqp",
	}
	if o.version == wire.Version091 {
		props["capabilities"] = wire.Table{
			"publisher_confirms":           true,
			"consumer_cancel_notify":       true,
			"exchange_exchange_bindings":   true,
			"basic.nack":                   true,
			"connection.blocked":           true,
			"authentication_failure_close": true,
		}
	}
	for k, v := range o.properties {
		props[k] = v
	}
	return props
}
