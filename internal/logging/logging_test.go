package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "info", FormatJSON)
	require.NoError(t, err)

	logger.Named("pool").Info("session established", zap.String("host", "10.0.0.1:22"))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "pool", entry["logger"])
	assert.Equal(t, "session established", entry["msg"])
	assert.Equal(t, "10.0.0.1:22", entry["host"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "warn", FormatConsole)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInvalidSettings(t *testing.T) {
	_, err := NewWithWriter(&bytes.Buffer{}, "loud", FormatJSON)
	assert.Error(t, err)

	_, err = NewWithWriter(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}
