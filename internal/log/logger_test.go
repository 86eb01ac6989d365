package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "debug", false)
	t.Cleanup(func() { Setup(nil, "info", false) })

	Debug().Str("path", "a.txt").Msg("hashed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "a.txt", line["path"])
	assert.Equal(t, "hashed", line["message"])
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "info", false)
	t.Cleanup(func() { Setup(nil, "info", false) })

	SetLevel("warn")
	Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("bogus"))
	assert.Equal(t, zerolog.Disabled, parseLogLevel("off"))
}
