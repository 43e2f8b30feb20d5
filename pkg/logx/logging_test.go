package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.raw, zerolog.InfoLevel), tt.raw)
	}
}

func TestWithFieldsAreWritten(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 2))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "hello", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.EqualValues(t, 2, m["n"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
}

func TestServiceApplySwitchesLevelAndSinks(t *testing.T) {
	var out bytes.Buffer
	prev := stdout
	stdout = &out
	t.Cleanup(func() { stdout = prev })

	svc, log := New(Config{Level: "warn", Console: true, JSON: true})
	defer svc.Close()
	child := log.With(String("comp", "queue"))

	child.Info("hidden")
	assert.Zero(t, out.Len())
	assert.Equal(t, LevelWarn, svc.Level())

	path := filepath.Join(t.TempDir(), "logs", "listingwatch.log")
	svc.Apply(Config{Level: "debug", JSON: true, File: FileConfig{Enabled: true, Path: path}})
	assert.Equal(t, LevelDebug, svc.Level())
	child.Debug("drained", Int("sent", 3))
	require.NoError(t, svc.Close())

	// Console was turned off, so only the file got the line.
	assert.Zero(t, out.Len())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &m))
	assert.Equal(t, "drained", m["message"])
	assert.Equal(t, "queue", m["comp"])
	assert.EqualValues(t, 3, m["sent"])
}

func TestErrFieldSkipsNil(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewWriter(&buf, "info").Info("ok", Err(nil))
	assert.NotContains(t, buf.String(), `"err"`)
}
