package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd-jails/director/internal/config"
	"github.com/freebsd-jails/director/internal/jaildriver"
)

func newTestReconciler(t *testing.T) (*Reconciler, *jaildriver.FakeTool, config.Config) {
	t.Helper()
	cfg := config.Defaults()
	cfg.ProjectsDirectory = filepath.Join(t.TempDir(), "projects")
	cfg.LogsDirectory = filepath.Join(t.TempDir(), "logs")
	cfg.LocksDirectory = filepath.Join(t.TempDir(), "locks")

	tool := jaildriver.NewFakeTool()
	driver := jaildriver.NewWithTool(tool)
	r := New(cfg, driver)
	r.Now = func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }
	return r, tool, cfg
}

func writeDirectorFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "directorfile.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func makejailCalls(tool *jaildriver.FakeTool) []string {
	var jails []string
	for _, c := range tool.Calls {
		if len(c.Args) >= 3 && c.Args[0] == "makejail" && c.Args[1] == "-j" {
			jails = append(jails, c.Args[2])
		}
	}
	return jails
}

func TestUpCreatesServicesInPriorityOrder(t *testing.T) {
	r, tool, _ := newTestReconciler(t)
	spec := `
services:
  app:
    priority: 10
    name: app
  db:
    priority: 1
    name: db
  cache:
    priority: 5
    name: cache
`
	specFile := writeDirectorFile(t, spec)

	code, err := r.Up(context.Background(), specFile, "proj1", false)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	assert.Equal(t, []string{"db", "cache", "app"}, makejailCalls(tool))
}

func TestUpRemovesBeforeCreating(t *testing.T) {
	r, tool, _ := newTestReconciler(t)
	spec := `
services:
  web:
    name: web-v1
`
	specFile := writeDirectorFile(t, spec)

	code, err := r.Up(context.Background(), specFile, "proj2", false)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	spec2 := `
services:
  web:
    name: web-v2
`
	require.NoError(t, os.WriteFile(specFile, []byte(spec2), 0o644))

	tool.Calls = nil
	code, err = r.Up(context.Background(), specFile, "proj2", true)
	require.NoError(t, err)
	require.Equal(t, 0, code)

	var destroyIdx, makejailIdx = -1, -1
	for i, c := range tool.Calls {
		if len(c.Args) >= 2 && c.Args[0] == "jail" && c.Args[1] == "destroy" {
			destroyIdx = i
		}
		if len(c.Args) >= 1 && c.Args[0] == "makejail" {
			makejailIdx = i
		}
	}
	require.NotEqual(t, -1, destroyIdx)
	require.NotEqual(t, -1, makejailIdx)
	assert.Less(t, destroyIdx, makejailIdx)
}

func TestUpScriptFailureMarksServiceFailed(t *testing.T) {
	r, tool, _ := newTestReconciler(t)
	spec := `
services:
  a:
    priority: 1
    name: svc-a
  b:
    priority: 2
    name: svc-b
    scripts:
      - text: "false"
`
	specFile := writeDirectorFile(t, spec)
	tool.Results["cmd jexec"] = 1

	code, err := r.Up(context.Background(), specFile, "proj3", false)
	require.Error(t, err)
	assert.NotEqual(t, 0, code)

	p, perr := r.openProject("proj3", specFile)
	require.NoError(t, perr)
	assert.True(t, p.HasFailed("b"))
	assert.False(t, p.HasFailed("a"))
}

func TestCheckReportsProjectExistence(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	spec := `
services:
  web: {}
`
	specFile := writeDirectorFile(t, spec)
	_, err := r.Up(context.Background(), specFile, "proj4", false)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Check("proj4"))
	assert.NotEqual(t, 0, r.Check("does-not-exist"))
}

func TestDownStopsInDescendingPriorityOrder(t *testing.T) {
	r, tool, _ := newTestReconciler(t)
	spec := `
services:
  db:
    priority: 1
    name: db
  app:
    priority: 10
    name: app
`
	specFile := writeDirectorFile(t, spec)
	_, err := r.Up(context.Background(), specFile, "proj5", false)
	require.NoError(t, err)

	tool.Calls = nil
	code, err := r.Down(context.Background(), "proj5", true, false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	var order []string
	for _, c := range tool.Calls {
		if len(c.Args) >= 2 && c.Args[0] == "jail" && c.Args[1] == "destroy" {
			order = append(order, c.Args[len(c.Args)-1])
		}
	}
	assert.Equal(t, []string{"app", "db"}, order)
}

func TestLsListsProjectsByState(t *testing.T) {
	r, _, _ := newTestReconciler(t)
	spec := `
services:
  web: {}
`
	specFile := writeDirectorFile(t, spec)
	_, err := r.Up(context.Background(), specFile, "proj6", false)
	require.NoError(t, err)

	out, err := r.Ls(nil)
	require.NoError(t, err)
	assert.Contains(t, out, "proj6")
	assert.Contains(t, out, "+ proj6")
}
