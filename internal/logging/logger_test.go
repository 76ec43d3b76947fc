package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSinkWritesEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(nil, dir, false)
	require.NoError(t, err)
	defer l.Close()

	l.Info("test", "hello from the file sink", map[string]interface{}{"key": "value"})

	data, err := os.ReadFile(filepath.Join(dir, "flowmesh.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from the file sink")
	assert.Contains(t, string(data), `"component":"test"`)
}

func TestCloseIsIdempotentAndStopsFileSink(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(nil, dir, false)
	require.NoError(t, err)

	l.Info("test", "before close", nil)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	// Dropped silently, no panic against the closed handle.
	l.Info("test", "after close", nil)

	data, err := os.ReadFile(filepath.Join(dir, "flowmesh.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "before close")
	assert.NotContains(t, string(data), "after close")
}

func TestNopLoggerIsSilent(t *testing.T) {
	l := NewNop()
	l.Info("test", "nowhere", nil)
	require.NoError(t, l.Close())
}
