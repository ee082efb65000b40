package logger

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Zerolog adapts a zerolog.Logger to the printf-style Logger interface.
type Zerolog struct {
	zl zerolog.Logger
}

func NewZerolog(zl zerolog.Logger) *Zerolog {
	return &Zerolog{zl: zl}
}

// Fatal logs at fatal level and panics. It does not exit the process; the library
// must not kill its host.
func (z *Zerolog) Fatal(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	z.zl.WithLevel(zerolog.FatalLevel).Msg(msg)
	panic(msg)
}

func (z *Zerolog) Err(format string, a ...any)   { z.zl.Error().Msgf(format, a...) }
func (z *Zerolog) Warn(format string, a ...any)  { z.zl.Warn().Msgf(format, a...) }
func (z *Zerolog) Info(format string, a ...any)  { z.zl.Info().Msgf(format, a...) }
func (z *Zerolog) Debug(format string, a ...any) { z.zl.Debug().Msgf(format, a...) }

func (z *Zerolog) with(key string, value any) Logger {
	return &Zerolog{zl: z.zl.With().Interface(key, value).Logger()}
}

// Zerolog returns the underlying logger.
func (z *Zerolog) Zerolog() zerolog.Logger { return z.zl }
