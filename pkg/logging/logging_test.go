package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(Options{Format: "json", Writer: &buf})
	require.NoError(t, err)
	defer closeFn()

	logger.Info("result", slog.String("test", "tcp-unidir"), slog.String("verdict", "pass"))
	logger.Debug("hidden")

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "result", rec["msg"])
	assert.Equal(t, "tcp-unidir", rec["test"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewDebugEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Format: "text", Level: "error", Debug: true, Writer: &buf})
	require.NoError(t, err)

	logger.Debug("argv", slog.String("cmd", "ethtool eth0"))
	assert.Contains(t, buf.String(), "ethtool eth0")
}

func TestNewTintWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Writer: &buf})
	require.NoError(t, err)

	logger.Warn("server unreachable", slog.String("addr", "10.0.0.2:5201"))
	out := buf.String()
	assert.Contains(t, out, "server unreachable")
	assert.NotContains(t, out, "\x1b[", "no colour codes when not writing to a terminal")
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nettest.log")
	logger, closeFn, err := New(Options{File: path})
	require.NoError(t, err)

	logger.Info("starting up")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=\"starting up\"")
}

func TestNewFileError(t *testing.T) {
	_, _, err := New(Options{File: "/nonexistent/dir/nettest.log"})
	assert.Error(t, err)
}
