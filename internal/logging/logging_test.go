package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
	require.Equal(t, slog.LevelInfo, ParseLevel("info"))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn := newWithStdout(Config{Level: "warn"}, &buf)
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown", slog.String("order_ref", "ORD-1"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	require.Equal(t, "shown", rec["msg"])
	require.Equal(t, "ORD-1", rec["order_ref"])
}

func TestLoggerCopiesToFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "chainrecon.log")
	logger, closeFn := newWithStdout(Config{Level: "info", File: path}, &buf)

	logger.Info("settled", slog.String("tx_ref", "0xabc"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"tx_ref":"0xabc"`)
	require.Contains(t, buf.String(), `"msg":"settled"`)
}
