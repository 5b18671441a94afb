package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBuffer(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, JSONOutput: true, Output: &buf})
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &rec))
	return rec
}

func TestWithComponentChainsDirectly(t *testing.T) {
	buf := initBuffer(t, DebugLevel)

	// Level methods chain on the helper result without binding a local.
	WithComponent("cache").Debug().Err(errors.New("boom")).Str("key", "abc").Msg("refresh failed")

	rec := lastLine(t, buf)
	assert.Equal(t, "cache", rec["component"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "abc", rec["key"])
	assert.Equal(t, "refresh failed", rec["message"])
}

func TestChildLoggerFields(t *testing.T) {
	buf := initBuffer(t, InfoLevel)

	WithService("billing").Info().Msg("service up")
	rec := lastLine(t, buf)
	assert.Equal(t, "billing", rec["service"])

	WithInstance("i-42").Warn().Msg("instance degraded")
	rec = lastLine(t, buf)
	assert.Equal(t, "i-42", rec["instance_id"])

	WithRequestID("req-1").Info().Msg("dispatched")
	rec = lastLine(t, buf)
	assert.Equal(t, "req-1", rec["request_id"])
}

func TestLevelFiltering(t *testing.T) {
	buf := initBuffer(t, WarnLevel)

	WithComponent("gateway").Debug().Msg("dropped")
	assert.Zero(t, buf.Len())

	WithComponent("gateway").Warn().Msg("kept")
	rec := lastLine(t, buf)
	assert.Equal(t, "kept", rec["message"])
}
