package logger

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatedWriter_ClosedGate(t *testing.T) {
	var buf bytes.Buffer
	gw := NewGatedWriter(GatedWriterConfig{
		Underlying:   &buf,
		InitialState: GateClosed,
	})

	gw.Write([]byte("log line 1\n"))
	gw.Write([]byte("log line 2\n"))

	assert.Zero(t, buf.Len(), "nothing should reach the underlying writer")
	assert.NotZero(t, gw.BufferedSize())
}

func TestGatedWriter_OpenGate(t *testing.T) {
	var buf bytes.Buffer
	gw := NewGatedWriter(GatedWriterConfig{
		Underlying:   &buf,
		InitialState: GateClosed,
	})

	gw.Write([]byte("log line 1\n"))
	gw.Write([]byte("log line 2\n"))

	require.NoError(t, gw.OpenGate())
	assert.Contains(t, buf.String(), "log line 1")
	assert.Contains(t, buf.String(), "log line 2")
	assert.Zero(t, gw.BufferedSize())
	assert.True(t, gw.IsOpen())

	buf.Reset()
	gw.Write([]byte("log line 3\n"))
	assert.Contains(t, buf.String(), "log line 3")
}

func TestGatedWriter_MaxBufferSize(t *testing.T) {
	var buf bytes.Buffer
	gw := NewGatedWriter(GatedWriterConfig{
		Underlying:    &buf,
		InitialState:  GateClosed,
		MaxBufferSize: 50,
	})

	for i := 0; i < 10; i++ {
		gw.Write([]byte("this is a log line\n"))
	}

	assert.LessOrEqual(t, gw.BufferedSize(), 50)

	require.NoError(t, gw.OpenGate())
	assert.NotZero(t, buf.Len())
}

func TestGatedLogger_SharedGate(t *testing.T) {
	var buf bytes.Buffer

	gl := NewGatedLogger(&Config{
		Level:   DebugLevel,
		Format:  JSONFormat,
		Outputs: []io.Writer{&buf},
	}, GatedWriterConfig{InitialState: GateClosed})

	gl.Info("message 1")
	gl.WithSystem("mirror").Debug("message 2")
	gl.WithSubsystem("watcher").Warn("message 3")

	assert.Zero(t, buf.Len(), "expected no output while gate is closed")

	require.NoError(t, gl.OpenGate())
	out := buf.String()
	for _, msg := range []string{"message 1", "message 2", "message 3"} {
		assert.Contains(t, out, msg)
	}
	assert.Contains(t, out, `"module":"mirror"`)
}

func TestZerologLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&Config{
		Level:   WarnLevel,
		Format:  JSONFormat,
		Outputs: []io.Writer{&buf},
	})

	l.Info("hidden")
	l.Warn("shown", String("resource", "report.pdf"))

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"resource":"report.pdf"`)
	assert.True(t, l.IsLevelEnabled(ErrorLevel))
	assert.False(t, l.IsLevelEnabled(DebugLevel))
}

func TestZerologLogger_TypedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&Config{
		Level:   InfoLevel,
		Format:  JSONFormat,
		Outputs: []io.Writer{&buf},
	})

	l.Info("discarding access event", Bool("known", false), Int("count", 3), Err(io.EOF))

	line := buf.String()
	assert.Contains(t, line, `"known":false`)
	assert.Contains(t, line, `"count":3`)
	assert.Contains(t, line, `"error":"EOF"`)
}

func TestZerologLogger_ModuleIsNotDuplicated(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLogger(&Config{
		Level:     InfoLevel,
		Format:    JSONFormat,
		Outputs:   []io.Writer{&buf},
		Subsystem: "core",
	})

	l.WithFields(String("token", "abc")).WithSubsystem("mirror").Info("hello")

	line := buf.String()
	assert.Equal(t, 1, strings.Count(line, `"module"`))
	assert.Contains(t, line, `"module":"core.mirror"`)
	assert.Contains(t, line, `"token":"abc"`)
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"trace":   TraceLevel,
		"DEBUG":   DebugLevel,
		"warning": WarnLevel,
		"err":     ErrorLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestParseOutputFormat(t *testing.T) {
	assert.Equal(t, JSONFormat, ParseOutputFormat("JSON"))
	assert.Equal(t, DefaultFormat, ParseOutputFormat("text"))
}
