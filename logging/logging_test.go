package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, err := New(Options{Level: "warn", Format: "json", File: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("connection attempt failed")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"msg":"connection attempt failed"`)
	require.Equal(t, 1, strings.Count(out, "\n"))
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
	_, err = New(Options{Format: "xml"})
	require.Error(t, err)
}
