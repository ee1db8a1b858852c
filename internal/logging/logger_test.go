package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesStructuredAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "debug", nil)
	l.WithRun("run-1").WithStage("credit_analyst").Info("stage started", "weight", 25)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stage started", entry["msg"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "credit_analyst", entry["stage"])
	assert.EqualValues(t, 25, entry["weight"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "warn", nil)
	l.Info("hidden")
	l.Debug("hidden")
	assert.Zero(t, buf.Len())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWritesToFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "info")
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "underwriter.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestValidLevel(t *testing.T) {
	assert.True(t, ValidLevel("debug"))
	assert.True(t, ValidLevel(""))
	assert.False(t, ValidLevel("verbose"))
}

func TestNopLoggerIsSilent(t *testing.T) {
	l := NopLogger()
	l.Error("nothing happens")
	var nilLogger *Logger
	nilLogger.Info("no panic")
}
