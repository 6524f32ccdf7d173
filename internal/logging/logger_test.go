package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerIsCachedPerComponent(t *testing.T) {
	a := NewLogger("test-cache")
	b := NewLogger("test-cache")
	assert.Same(t, a, b)
	assert.Equal(t, "test-cache", a.Data["component"])
}

func TestConfigureAppliesToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		Configure(Config{Level: "info", Format: "text"})
	})
	t.Setenv("SESSIOND_LOG_LEVEL", "")

	logger := NewLogger("test-configure")
	Configure(Config{Level: "warn", Format: "json"})

	assert.Equal(t, logrus.WarnLevel, logger.Logger.GetLevel())

	logger.Info("hidden")
	logger.Warn("visible")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "visible", line["msg"])
	assert.Equal(t, "test-configure", line["component"])
}

func TestEnvLevelOverride(t *testing.T) {
	t.Setenv("SESSIOND_LOG_LEVEL", "debug")
	t.Cleanup(func() { Configure(Config{Level: "info", Format: "text"}) })

	Configure(Config{Level: "error"})
	assert.Equal(t, logrus.DebugLevel, NewLogger("test-env").Logger.GetLevel())
}
