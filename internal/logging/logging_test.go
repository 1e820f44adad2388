package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Config{Level: slog.LevelInfo, Format: FormatJSON, Output: &buf})
		logger.Info("queue browsed", "endpoint", "testCF")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "queue browsed", entry["msg"])
		assert.Equal(t, "testCF", entry["endpoint"])
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Config{Level: slog.LevelWarn, Format: FormatText, Output: &buf})
		logger.Info("hidden")
		assert.Empty(t, buf.String())
		logger.Warn("shown")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestParse(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	logger := Nop()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
}
