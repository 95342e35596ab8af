package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func TestNew_JSON(t *testing.T) {
	restoreLevel(t)
	var buf bytes.Buffer

	log := New(Config{Level: "info", Format: "json", Out: &buf})
	log.Debug().Msg("hidden")
	log.Info().Str("device", "dev-1").Msg("observing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "observing", entry["message"])
	assert.Equal(t, "dev-1", entry["device"])
	assert.Contains(t, entry, "time")
}

func TestNew_Console(t *testing.T) {
	restoreLevel(t)
	var buf bytes.Buffer

	log := New(Config{Level: "debug", Format: "console", Out: &buf})
	log.Debug().Msg("state changed")

	assert.Contains(t, buf.String(), "state changed")
	assert.Contains(t, buf.String(), "DBG")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	restoreLevel(t)

	New(Config{Level: "chatty", Format: "json", Out: &bytes.Buffer{}})
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestSetLevel(t *testing.T) {
	restoreLevel(t)
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Out: &buf})

	require.NoError(t, SetLevel("warn"))
	log.Info().Msg("dropped")
	assert.Empty(t, buf.String())

	require.NoError(t, SetLevel("debug"))
	log.Debug().Msg("kept")
	assert.Contains(t, buf.String(), "kept")

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
