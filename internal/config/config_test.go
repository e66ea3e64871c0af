package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFilesExist(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "noprefix"), "")
	require.NoError(t, err)
	assert.Equal(t, 1800, cfg.CommandTimeoutSeconds)
	assert.True(t, cfg.RemoveForce)
	assert.False(t, cfg.RemoveRecursive)
}

func TestLoadOverridesFromExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "director.ini")
	require.NoError(t, os.WriteFile(path, []byte(`
[commands]
timeout = 60

[jails]
remove_recursive = true
`), 0o644))

	cfg, err := Load(filepath.Join(t.TempDir(), "noprefix"), path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.CommandTimeoutSeconds)
	assert.True(t, cfg.RemoveRecursive)
}

func TestLoadRejectsMissingExplicitPath(t *testing.T) {
	_, err := Load(t.TempDir(), filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
}
