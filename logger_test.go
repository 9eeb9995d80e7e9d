package weft

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: levelWarn, Output: &buf}

	l.Infof("req-1", "should not appear")
	assert.Equal(t, 0, buf.Len())

	l.Warnf("req-1", "should appear")
	assert.Greater(t, buf.Len(), 0)
}

func TestLoggerNoneLevelSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: levelNone, Output: &buf}

	l.Errorf("req-1", "should not appear")
	assert.Equal(t, 0, buf.Len())
}

func TestLoggerEmitsStructuredJSONWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{level: levelDebug, Output: &buf}

	l.Infof("req-42", "hello %s", "world")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello world", entry["msg"])
	assert.Equal(t, "req-42", entry["request_id"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, levelDebug, parseLogLevel("debug"))
	assert.Equal(t, levelWarn, parseLogLevel("warn"))
	assert.Equal(t, levelError, parseLogLevel("error"))
	assert.Equal(t, levelNone, parseLogLevel("none"))
	assert.Equal(t, levelInfo, parseLogLevel("anything-else"))
}

func TestNewLoggerDefaultsToStdout(t *testing.T) {
	l := newLogger(DefaultConfig())
	assert.NotNil(t, l.Output)
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := newRequestID()
	b := newRequestID()
	assert.NotEqual(t, a, b)
}
