package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestZapAdapterSharesStream(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(InfoLevel, &buf))

	zl.Info("task persisted", zap.Int64("id", 7), zap.String("name", "job-1"))

	entry := decodeLine(t, buf.String())
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "task persisted", entry["msg"])
	assert.Equal(t, float64(7), entry["id"])
	assert.Equal(t, "job-1", entry["name"])
}

func TestZapAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(WarnLevel, &buf))

	zl.Debug("hidden")
	zl.Info("hidden")
	zl.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestZapAdapterWith(t *testing.T) {
	var buf bytes.Buffer
	zl := NewZapLogger(New(InfoLevel, &buf)).With(zap.String("component", "store"))

	zl.Error("save failed")
	entry := decodeLine(t, buf.String())
	assert.Equal(t, "store", entry["component"])
	assert.Equal(t, "ERROR", entry["level"])
}
