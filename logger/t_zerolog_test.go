package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerolog_WritesLevelsAndMessages(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden %d", 1)
	l.Info("channel %d open", 3)
	l.Warn("blocked: %s", "low memory")
	l.Err("closed: %v", "boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "channel 3 open", entry["message"])

	require.NoError(t, json.Unmarshal([]byte(lines[2]), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "closed: boom", entry["message"])
}

func TestZerolog_FatalPanics(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerolog(zerolog.New(&buf))
	assert.PanicsWithValue(t, "giving up after 3 tries", func() {
		l.Fatal("giving up after %d tries", 3)
	})
	assert.Contains(t, buf.String(), `"level":"fatal"`)
}

func TestNilLogger(t *testing.T) {
	var l Logger = &NilLogger{}
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Err("x")
	})
	assert.Panics(t, func() { l.Fatal("x") })
}

func TestWith_AddsZerologField(t *testing.T) {
	var buf bytes.Buffer
	l := With(NewZerolog(zerolog.New(&buf)), "channel", uint16(4))
	l.Info("open")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.EqualValues(t, 4, entry["channel"])
	assert.Equal(t, "open", entry["message"])
}

type recordingLogger struct {
	NilLogger
	lines []string
}

func (r *recordingLogger) Warn(format string, a ...any) {
	r.lines = append(r.lines, fmt.Sprintf(format, a...))
}

func TestWith_PrefixesPlainLoggers(t *testing.T) {
	rec := &recordingLogger{}
	l := With(With(rec, "session", "abc"), "channel", 2)
	l.Warn("flow %t", false)
	assert.Equal(t, []string{"[session=abc] [channel=2] flow false"}, rec.lines)

	assert.IsType(t, &NilLogger{}, With(nil, "k", "v"))
	nl := &NilLogger{}
	assert.Same(t, nl, With(nl, "k", "v"))
}
