package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rld013/arrival-rate-server/internal/logging"
)

func TestSetup_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.Setup("debug", "json", &buf)
	require.NoError(t, err)

	log.Debug().Str("schedule", "s1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "s1", line["schedule"])
	assert.Equal(t, "hello", line["message"])
	assert.Contains(t, line, "time")
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.Setup("warning", "json", &buf)
	require.NoError(t, err)

	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())
	log.Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}

func TestSetup_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.Setup("info", "console", &buf)
	require.NoError(t, err)
	log.Info().Msg("started")
	assert.Contains(t, buf.String(), "started")
}

func TestSetup_Errors(t *testing.T) {
	_, err := logging.Setup("loud", "json", nil)
	assert.Error(t, err)
	_, err = logging.Setup("info", "xml", nil)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	lvl, err := logging.ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = logging.ParseLevel(" ERROR ")
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, lvl)
}
