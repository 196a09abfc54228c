package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	return entry
}

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)

	logger.Info("task submitted", Fields{"task": "job-1", "attempt": 2})

	entry := decodeLine(t, buf.String())
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "task submitted", entry["msg"])
	assert.Equal(t, "job-1", entry["task"])
	assert.Equal(t, float64(2), entry["attempt"])
	assert.NotEmpty(t, entry["ts"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(WarnLevel, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestWithFieldsInherited(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).
		With(Fields{"service": "gridsweep"}).
		WithField("component", "engine")

	logger.Info("cycle complete", Fields{"total": 4})

	entry := decodeLine(t, buf.String())
	assert.Equal(t, "gridsweep", entry["service"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, float64(4), entry["total"])

	// The child's fields do not leak back into the parent.
	assert.Equal(t, []string{"component", "service"}, logger.FieldKeys())
}

func TestCallSiteFieldsWin(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf).WithField("task", "old")
	logger.Info("msg", Fields{"task": "new"})
	assert.Equal(t, "new", decodeLine(t, buf.String())["task"])
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)

	logger.WithError(errors.New("boom")).Error("poll failed")
	assert.Equal(t, "boom", decodeLine(t, buf.String())["error"])

	assert.Same(t, logger, logger.WithError(nil))
}

func TestFatalCallsExit(t *testing.T) {
	var buf bytes.Buffer
	logger := New(InfoLevel, &buf)
	exited := -1
	logger.exit = func(code int) { exited = code }

	logger.Fatal("unrecoverable")
	assert.Equal(t, 1, exited)
	assert.Contains(t, buf.String(), "unrecoverable")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("whatever"))
}

func TestDiscardDropsEverything(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().Error("nobody hears this")
	})
}
