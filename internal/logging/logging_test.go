package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	New("info", "json", &buf).With("identity", "crm-agent").Info("agent running", "queue", "crm-agent.queue")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "agent running", rec["msg"])
	assert.Equal(t, "crm-agent", rec["identity"])
	assert.Equal(t, "crm-agent.queue", rec["queue"])
}

func TestTextLoggerFiltersAndFormats(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := New("warn", "text", &buf)
	l.Info("hidden")
	l.With("identity", "orchestrator").WithGroup("sweep").Warn("agent unresponsive", "agent", "photo-agent")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN agent unresponsive")
	assert.Contains(t, out, " identity=orchestrator")
	assert.Contains(t, out, " sweep.agent=photo-agent")
}
