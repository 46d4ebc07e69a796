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
	lvl, ok := parseLevel("WARNING")
	assert.True(t, ok)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	_, ok = parseLevel("")
	assert.False(t, ok)

	_, ok = parseLevel("loud")
	assert.False(t, ok)
}

func TestApply_JSONComponentTag(t *testing.T) {
	var buf bytes.Buffer
	Apply(Config{Level: zerolog.InfoLevel, JSON: true, Out: &buf})

	log := For("store")
	log.Info().Msg("[STORE] committed")
	log.Debug().Msg("dropped below level")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "store", line["component"])
	assert.Equal(t, "[STORE] committed", line["message"])
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvLogFormat, "json")
	t.Setenv(EnvLogNoColor, "true")

	cfg := defaultConfig(ProfileRuntime)
	applyEnvOverrides(&cfg)
	assert.Equal(t, zerolog.ErrorLevel, cfg.Level)
	assert.True(t, cfg.JSON)
	assert.True(t, cfg.NoColor)
}
