package envfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSetsVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nDIRECTOR_TEST_A=one\nDIRECTOR_TEST_B=\"two\"\n\n"), 0o644))
	defer os.Unsetenv("DIRECTOR_TEST_A")
	defer os.Unsetenv("DIRECTOR_TEST_B")

	require.NoError(t, Load(path))
	assert.Equal(t, "one", os.Getenv("DIRECTOR_TEST_A"))
	assert.Equal(t, "two", os.Getenv("DIRECTOR_TEST_B"))
}

func TestLoadIgnoresMissingFile(t *testing.T) {
	err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
