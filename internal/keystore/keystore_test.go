package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetHas(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir)

	require.False(t, ks.Has("web/name"))
	require.Equal(t, "default", ks.Get("web/name", "default"))

	require.NoError(t, ks.SetString("web/name", "web-ab12"))
	require.True(t, ks.Has("web/name"))
	require.Equal(t, "web-ab12", ks.Get("web/name", "default"))

	// sibling key under the same prefix must not collide.
	require.NoError(t, ks.SetString("web/fail", ""))
	require.True(t, ks.Has("web/fail"))
	require.Equal(t, "web-ab12", ks.Get("web/name", "default"))
}

func TestUnsetToleratesDirectory(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir)

	require.NoError(t, ks.SetString("web/name", "web-ab12"))
	require.NoError(t, ks.SetString("web/fail", ""))

	// "web" itself is a directory on disk, not a key file; Unset("web")
	// must still succeed (best-effort recursive remove) per spec §4.1.
	require.NoError(t, ks.Unset("web"))
	require.False(t, ks.Has("web/name"))
	require.False(t, ks.Has("web/fail"))
}

func TestSetOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir)

	require.NoError(t, ks.SetString("state", "unfinished"))
	require.NoError(t, ks.SetString("state", "done"))
	require.Equal(t, "done", ks.Get("state", ""))

	// the file really is a plain file under dir, inspectable externally.
	data, err := os.ReadFile(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.Equal(t, "done", string(data))
}

func TestDumpListsEveryKeyIncludingNested(t *testing.T) {
	dir := t.TempDir()
	ks := New(dir)

	require.NoError(t, ks.SetString("state", "done"))
	require.NoError(t, ks.SetString("web/name", "web-ab12"))
	require.NoError(t, ks.SetString("web/fail", ""))

	dump, err := ks.Dump()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"state":    "done",
		"web/name": "web-ab12",
		"web/fail": "",
	}, dump)
}

func TestDumpOnMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	ks := New(dir)

	dump, err := ks.Dump()
	require.NoError(t, err)
	require.Empty(t, dump)
}
