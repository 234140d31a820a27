package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, "data.db", c.Sqlite.Db)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, int64(250_000), c.Capture.MaxContentLength)
	assert.Equal(t, 7, c.Capture.RetentionDays)
	assert.Equal(t, 4, c.Capture.Workers)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jarvis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
  writer: [console, file]
  file: /tmp/jarvis.log
capture:
  maxContentLength: 1024
  workers: 8
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, []string{"console", "file"}, c.Log.Writer)
	assert.Equal(t, int64(1024), c.Capture.MaxContentLength)
	assert.Equal(t, 8, c.Capture.Workers)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 7, c.Capture.RetentionDays)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [::"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
