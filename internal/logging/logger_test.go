package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestNew_JSONOutputWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "info", Format: FormatJSON, Component: "graph", Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	zl := l.Zerolog()
	zl.Info().Int("concepts", 3).Msg("batch ingested")

	out := buf.String()
	assert.Contains(t, out, `"component":"graph"`)
	assert.Contains(t, out, `"concepts":3`)
	assert.Contains(t, out, "batch ingested")
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Info().Msg("hidden")
	zl.Warn().Msg("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
	assert.Equal(t, zerolog.WarnLevel, l.Level())
}

func TestNew_ConsoleWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: "debug", Format: FormatConsole, Colored: false, Output: &buf})
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Debug().Msg("decay tick")

	assert.Contains(t, buf.String(), "decay tick")
	assert.NotContains(t, buf.String(), "\033[")
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "evolution.log")

	var console bytes.Buffer
	l, err := New(&Config{Level: "info", FilePath: path, Output: &console})
	require.NoError(t, err)

	zl := l.Zerolog()
	zl.Info().Msg("persisted line")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "persisted line"))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	child := l.WithComponent("cascade")
	child.Info().Msg("run complete")

	assert.Contains(t, buf.String(), `"component":"cascade"`)
}

func TestSetup_InstallsGlobalLogger(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	_, err := Setup(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	log.Debug().Msg("from global")
	assert.Contains(t, buf.String(), "from global")
}

func TestSessionLogPath(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := SessionLogPath("/tmp/logs", ts)
	assert.Equal(t, filepath.Join("/tmp/logs", "evolution_2026-03-04_05-06-07.log"), got)
}
