package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aleybovich/carrot-amqp/logger"
	"github.com/rs/zerolog"
)

// LoggingConfig defines configuration for logging behavior
type LoggingConfig struct {
	Level  string `envconfig:"AMQP_LOG_LEVEL" default:"info" json:"level"`
	Format string `envconfig:"AMQP_LOG_FORMAT" default:"json" json:"format"`

	// HeartbeatLogging controls whether heartbeat frames are logged
	// Default is false to reduce log noise
	HeartbeatLogging bool `envconfig:"AMQP_LOG_HEARTBEATS" default:"false" json:"heartbeat_logging"`

	// DisableLogging completely disables all logging when true
	DisableLogging bool `envconfig:"AMQP_LOG_DISABLED" default:"false" json:"disable_logging"`

	// CustomLogger allows providing a custom logger implementation
	// Cannot be used together with DisableLogging
	CustomLogger logger.Logger `ignored:"true" json:"-"`
}

func (lc LoggingConfig) Validate() error {
	if lc.DisableLogging && lc.CustomLogger != nil {
		return fmt.Errorf("custom logger cannot be combined with disabled logging")
	}
	if lc.Level != "" {
		if _, err := zerolog.ParseLevel(lc.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", lc.Level, err)
		}
	}
	switch lc.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", lc.Format)
	}
	return nil
}

// Logger builds the logger described by the config, writing to stderr.
func (lc LoggingConfig) Logger() (logger.Logger, error) {
	return lc.LoggerTo(os.Stderr)
}

// LoggerTo is Logger with an explicit destination.
func (lc LoggingConfig) LoggerTo(w io.Writer) (logger.Logger, error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	if lc.DisableLogging {
		return &logger.NilLogger{}, nil
	}
	if lc.CustomLogger != nil {
		return lc.CustomLogger, nil
	}

	level := zerolog.InfoLevel
	if lc.Level != "" {
		level, _ = zerolog.ParseLevel(lc.Level)
	}
	if lc.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Str("component", "carrot-amqp").Logger()
	return logger.NewZerolog(zl), nil
}
