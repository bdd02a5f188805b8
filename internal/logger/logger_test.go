package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestEntry_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer func() {
		SetFormat("text")
		SetLevel("info")
		SetOutput(os.Stdout)
	}()

	entry := With("asset", "SOL")
	SetLevel("warn")
	entry.Infof("hidden")
	entry.Warnf("tick failed: %d", 3)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "asset=SOL")
	assert.Contains(t, buf.String(), `msg="tick failed: 3"`)

	t.Run("json", func(t *testing.T) {
		buf.Reset()
		SetFormat("json")
		entry.With("component", "feed").Errorf("boom")
		var line map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
		assert.Equal(t, "SOL", line["asset"])
		assert.Equal(t, "feed", line["component"])
		assert.Equal(t, "boom", line["msg"])
	})
}
