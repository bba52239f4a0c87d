package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONIncludesRecordCoordinates(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info", "json")

	log.Warn("malformed record", Record("wiki-topic", 2, 41)...)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "malformed record", line["msg"])
	assert.Equal(t, "wiki-topic", line["topic"])
	assert.EqualValues(t, 2, line["partition"])
	assert.EqualValues(t, 41, line["offset"])
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "warn", "text")

	log.Info("dropped")
	assert.Empty(t, buf.String())

	log.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("anything"))
}

func TestWithComponent_TagsDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(New(&buf, "info", "text"))

	WithComponent("log-consumer").Info("offsets committed")

	assert.Contains(t, buf.String(), "component=log-consumer")
	assert.Contains(t, buf.String(), "offsets committed")
}
