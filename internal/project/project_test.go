package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalSpec = `
services:
  web:
    makejail: Makejail
`

func TestOpenNewProjectCopiesSpec(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()
	specPath := writeSpec(t, specDir, "director.yml", minimalSpec)

	p, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close()

	assert.True(t, p.NewProjectRun())
	data, err := os.ReadFile(filepath.Join(base, "demo", DirectorFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "web")

	info, err := os.Stat(filepath.Join(base, "demo", DirectorFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o440), info.Mode().Perm())
}

func TestLockExclusivity(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()
	specPath := writeSpec(t, specDir, "director.yml", minimalSpec)

	p1, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	require.NoError(t, p1.Open())

	p2, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	err = p2.Open()
	require.Error(t, err)

	require.NoError(t, p1.Close())
	require.NoError(t, p2.Open())
	require.NoError(t, p2.Close())
}

func TestInvalidProjectName(t *testing.T) {
	_, err := New("has/slash", t.TempDir(), "", "")
	require.Error(t, err)
}

func TestGetJailNamePersistsAndReuses(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()
	specPath := writeSpec(t, specDir, "director.yml", minimalSpec)

	p, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close()

	name1, err := p.GetJailName("web", WhereNext, true, true)
	require.NoError(t, err)
	assert.NotEmpty(t, name1)

	name2, err := p.GetJailName("web", WhereNext, true, true)
	require.NoError(t, err)
	assert.Equal(t, name1, name2)
}

func TestGetJailNameServiceNotFound(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()
	specPath := writeSpec(t, specDir, "director.yml", minimalSpec)

	p, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close()

	_, err = p.GetJailName("ghost", WhereNext, true, true)
	require.Error(t, err)
}

func TestDifferTrueForNewProject(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()
	specPath := writeSpec(t, specDir, "director.yml", minimalSpec)

	p, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close()

	differs, err := p.Differ("web")
	require.NoError(t, err)
	assert.True(t, differs)
}

func TestRemovedServices(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()

	firstSpec := writeSpec(t, specDir, "v1.yml", `
services:
  web: {}
  worker: {}
`)
	p1, err := New("demo", base, firstSpec, "")
	require.NoError(t, err)
	require.NoError(t, p1.Open())
	require.NoError(t, p1.Close())

	secondSpec := writeSpec(t, specDir, "v2.yml", `
services:
  web: {}
`)
	p2, err := New("demo", base, secondSpec, "")
	require.NoError(t, err)
	require.NoError(t, p2.Open())
	defer p2.Close()

	removed, err := p2.Removed()
	require.NoError(t, err)
	assert.True(t, removed["worker"])
	assert.False(t, removed["web"])
}

func TestMakejailMtimeTriggersOnNeverSeen(t *testing.T) {
	base := t.TempDir()
	specDir := t.TempDir()
	specPath := writeSpec(t, specDir, "director.yml", minimalSpec)
	makejailPath := filepath.Join(specDir, "Makejail")
	require.NoError(t, os.WriteFile(makejailPath, []byte("ARG tag=latest\n"), 0o644))

	p, err := New("demo", base, specPath, "")
	require.NoError(t, err)
	require.NoError(t, p.Open())
	defer p.Close()

	dirty, err := p.CheckMakejailMtime("web", makejailPath)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, p.SetMakejailMtime("web", fileModTime(t, makejailPath)))
	dirty, err = p.CheckMakejailMtime("web", makejailPath)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func fileModTime(t *testing.T, path string) time.Time {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime()
}
