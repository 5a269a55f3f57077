package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"", zerolog.InfoLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"warn", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		lvl, err := ParseLevel(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, lvl, tt.input)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewWithWriter_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "warn", true)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Int("iterations", 50).Msg("guard loop exhausted")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "guard loop exhausted")
	assert.Contains(t, out, "iterations=50")
}
