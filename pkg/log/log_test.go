package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelInfo, true))
	l.Debug("hidden")
	l.Info("Window finished", "window", "2024010110")

	var entry map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Window finished", entry["msg"])
	assert.Equal(t, "2024010110", entry["window"])

	buf.Reset()
	slog.New(NewHandler(&buf, slog.LevelWarn, false)).Info("hidden")
	assert.Equal(t, 0, buf.Len())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("loud"))
}
