package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLevel("Error"))
	assert.Equal(t, InfoLevel, ParseLevel("bogus"))
}

func TestDefaultLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewDefaultLogger(DebugLevel, "json")
	log.SetOutput(&buf)

	child := log.With(Component("rebuffer"))
	child.Warn("discontinuity skipped", Float64("position", 12.3), Err(errors.New("gap")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "rebuffer", entry["component"])
	assert.Equal(t, 12.3, entry["position"])
	assert.Equal(t, "gap", entry["error"])
}

func TestDefaultLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewDefaultLogger(WarnLevel, "text")
	log.SetOutput(&buf)

	log.Info("hidden")
	log.Error("shown", String("type", "video"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, "ERROR: shown {type=video}"))
}

func TestLogrusBackend(t *testing.T) {
	var buf bytes.Buffer
	log := New("logrus", InfoLevel, "json")
	log.SetOutput(&buf)

	log.With(Component("queue")).Info("request started", String("segment", "s1"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "queue", entry["component"])
	assert.Equal(t, "s1", entry["segment"])
	assert.Equal(t, "request started", entry["msg"])
}
