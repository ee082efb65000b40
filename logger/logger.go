package logger

import "fmt"

// Logger is the printf-style sink every connection and channel writes to.
type Logger interface {
	Fatal(format string, a ...any)
	Err(format string, a ...any)
	Warn(format string, a ...any)
	Info(format string, a ...any)
	Debug(format string, a ...any)
}

// fielder is implemented by loggers that can carry structured context.
type fielder interface {
	with(key string, value any) Logger
}

// With returns l annotated with key=value. Loggers without structured fields get the
// pair as a message prefix instead.
func With(l Logger, key string, value any) Logger {
	switch l := l.(type) {
	case nil:
		return &NilLogger{}
	case *NilLogger:
		return l
	case fielder:
		return l.with(key, value)
	default:
		return &prefixed{next: l, prefix: fmt.Sprintf("[%s=%v] ", key, value)}
	}
}

type prefixed struct {
	next   Logger
	prefix string
}

func (p *prefixed) Fatal(format string, a ...any) { p.next.Fatal(p.prefix+format, a...) }
func (p *prefixed) Err(format string, a ...any)   { p.next.Err(p.prefix+format, a...) }
func (p *prefixed) Warn(format string, a ...any)  { p.next.Warn(p.prefix+format, a...) }
func (p *prefixed) Info(format string, a ...any)  { p.next.Info(p.prefix+format, a...) }
func (p *prefixed) Debug(format string, a ...any) { p.next.Debug(p.prefix+format, a...) }

func (p *prefixed) with(key string, value any) Logger {
	return &prefixed{next: p.next, prefix: p.prefix + fmt.Sprintf("[%s=%v] ", key, value)}
}

// NilLogger discards everything except Fatal, which still panics.
type NilLogger struct{}

func (n *NilLogger) Fatal(format string, a ...any) { panic(fmt.Sprintf(format, a...)) }
func (n *NilLogger) Err(string, ...any)            {}
func (n *NilLogger) Warn(string, ...any)           {}
func (n *NilLogger) Info(string, ...any)           {}
func (n *NilLogger) Debug(string, ...any)          {}
