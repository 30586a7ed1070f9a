package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning "))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"), "unknown levels fall back to info")
}

func TestInitWriter_JSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	// GIVEN: A json logger at warn with a component
	var buf bytes.Buffer
	logger := InitWriter(Config{Format: "json", Level: "warn", Component: "verify"}, &buf)

	// WHEN: Logging below and at the level
	logger.Info().Msg("hidden")
	logger.Warn().Str("tenancy", "t1").Msg("shown")

	// THEN: Only the warn line is written, tagged with the component
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "verify", line["component"])
	assert.Equal(t, "t1", line["tenancy"])
}

func TestInitWriter_Console(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger := InitWriter(Config{Format: "console"}, &buf)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
