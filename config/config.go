package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ConnectionConfig describes how to reach and talk to a broker. Load fills it from
// AMQP_* environment variables.
type ConnectionConfig struct {
	Host     string `envconfig:"AMQP_HOST" default:"localhost" json:"host"`
	Port     int    `envconfig:"AMQP_PORT" default:"5672" json:"port"`
	Username string `envconfig:"AMQP_USER" default:"guest" json:"username"`
	Password string `envconfig:"AMQP_PASSWORD" default:"guest" json:"-"`
	VHost    string `envconfig:"AMQP_VHOST" default:"/" json:"vhost"`

	// Protocol is "0-9-1" or "0-8".
	Protocol string   `envconfig:"AMQP_PROTOCOL" default:"0-9-1" json:"protocol"`
	Auth     AuthMode `envconfig:"AMQP_AUTH" default:"plain" json:"auth"`
	Locale   string   `envconfig:"AMQP_LOCALE" default:"en_US" json:"locale"`
	Insist   bool     `envconfig:"AMQP_INSIST" default:"false" json:"insist"`

	// Tuning requests; 0 defers to the broker.
	Heartbeat  uint16 `envconfig:"AMQP_HEARTBEAT" default:"60" json:"heartbeat"`
	ChannelMax uint16 `envconfig:"AMQP_CHANNEL_MAX" default:"2047" json:"channel_max"`
	FrameMax   uint32 `envconfig:"AMQP_FRAME_MAX" default:"131072" json:"frame_max"`

	ConnectTimeout time.Duration `envconfig:"AMQP_CONNECT_TIMEOUT" default:"30s" json:"connect_timeout"`
	ReadTimeout    time.Duration `envconfig:"AMQP_READ_TIMEOUT" default:"0s" json:"read_timeout"`
	WriteTimeout   time.Duration `envconfig:"AMQP_WRITE_TIMEOUT" default:"0s" json:"write_timeout"`
	CloseTimeout   time.Duration `envconfig:"AMQP_CLOSE_TIMEOUT" default:"10s" json:"close_timeout"`

	TLS bool `envconfig:"AMQP_TLS" default:"false" json:"tls"`

	PublishCacheSize int `envconfig:"AMQP_PUBLISH_CACHE_SIZE" default:"100" json:"publish_cache_size"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
}

// Load reads a ConnectionConfig from the environment and validates it.
func Load() (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("unable to parse connection configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns host:port.
func (c ConnectionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate reports every invalid field at once.
func (c ConnectionConfig) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Protocol != "0-9-1" && c.Protocol != "0-8" {
		errs = append(errs, fmt.Errorf("unsupported protocol %q (want 0-9-1 or 0-8)", c.Protocol))
	}
	if c.FrameMax != 0 && c.FrameMax < 4096 {
		errs = append(errs, fmt.Errorf("frame max %d is below the protocol minimum 4096", c.FrameMax))
	}
	if c.PublishCacheSize < 0 {
		errs = append(errs, fmt.Errorf("publish cache size %d is negative", c.PublishCacheSize))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Type != "" {
		if err := c.Storage.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
