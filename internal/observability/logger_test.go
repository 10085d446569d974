// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/milstatus/internal/config"
)

// syncedBuffer is an in-memory WriteSyncer for capturing log output.
type syncedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncedBuffer) Sync() error { return nil }

func (b *syncedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitializeConsoleLoggerWithColors(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncedBuffer{}
	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "milstatus-test",
		Colors:      config.ColorConfig{Info: "green", Warn: "yellow"},
	}, zapcore.AddSync(buf))

	GetLogger().Info("colorized entry")

	out := buf.String()
	assert.Contains(t, out, "colorized entry")
	assert.Contains(t, out, "\x1b[32m", "info level should carry the configured color")
	assert.Contains(t, out, "milstatus-test")
}

func TestInitializeJSONLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncedBuffer{}
	Initialize(config.LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "milstatus-test",
	}, zapcore.AddSync(buf))

	GetLogger().Info("structured entry")

	line := strings.TrimSpace(buf.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "structured entry", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestLevelFiltering(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncedBuffer{}
	Initialize(config.LoggerConfig{
		Level:       "warn",
		Format:      "json",
		ServiceName: "milstatus-test",
	}, zapcore.AddSync(buf))

	logger := GetLogger()
	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be filtered")
	assert.Contains(t, out, "should appear")
}

func TestInitializeIsIdempotent(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &syncedBuffer{}
	second := &syncedBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "a"}, zapcore.AddSync(first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "b"}, zapcore.AddSync(second))

	GetLogger().Info("only once")
	assert.Contains(t, first.String(), "only once")
	assert.Empty(t, second.String())
}

func TestGetLoggerFallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncedBuffer{}
	Initialize(config.LoggerConfig{
		Level:       "not-a-level",
		Format:      "json",
		ServiceName: "milstatus-test",
	}, zapcore.AddSync(buf))

	logger := GetLogger()
	logger.Debug("hidden")
	logger.Info("visible")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "visible")
}
