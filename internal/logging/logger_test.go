package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, levelFromString(in).Level(), "level %q", in)
	}
}

func TestComponentTagsRecords(t *testing.T) {
	var buf bytes.Buffer
	log := Component(newLogger(&buf, "info"), "relay")
	log.Info("position_update", "driver_id", "d1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "relay", rec["component"])
	assert.Equal(t, "d1", rec["driver_id"])
	assert.Equal(t, "position_update", rec["msg"])
}

func TestComponentNilParent(t *testing.T) {
	assert.NotPanics(t, func() { Component(nil, "bus").Info("dropped") })
}
