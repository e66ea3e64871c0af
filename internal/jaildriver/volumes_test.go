package jaildriver

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freebsd-jails/director/internal/specparser"
)

func TestResolveVolumeCreatesNullfsDevice(t *testing.T) {
	base := t.TempDir()
	device := filepath.Join(base, "data")

	mode := 0o750
	vol := specparser.VolumeDef{
		Device: device,
		Type:   "nullfs",
		Mode:   &mode,
	}

	mount, err := ResolveVolume("data", "/data", vol, "nullfs")
	require.NoError(t, err)

	info, err := os.Stat(device)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	line := mount.FstabLine()
	assert.Contains(t, line, `"/data"`)
	assert.Contains(t, line, `"nullfs"`)
}

func TestResolveVolumeDefaultsOptionsAndType(t *testing.T) {
	base := t.TempDir()
	device := filepath.Join(base, "data")
	require.NoError(t, os.MkdirAll(device, 0o755))

	vol := specparser.VolumeDef{Device: device}
	mount, err := ResolveVolume("data", "/data", vol, "nullfs")
	require.NoError(t, err)
	assert.Contains(t, mount.FstabLine(), `"rw"`)
	assert.Contains(t, mount.FstabLine(), `"nullfs"`)
}

func TestPrepareDeviceAcceptsNumericOwnerAndGroup(t *testing.T) {
	base := t.TempDir()
	device := filepath.Join(base, "data")

	uid := os.Getuid()
	gid := os.Getgid()
	vol := specparser.VolumeDef{
		Device: device,
		Owner:  strconv.Itoa(uid),
		Group:  strconv.Itoa(gid),
	}

	require.NoError(t, prepareDevice(device, vol))
}

func TestPrepareDeviceRejectsUnknownOwnerName(t *testing.T) {
	base := t.TempDir()
	device := filepath.Join(base, "data")

	vol := specparser.VolumeDef{
		Device: device,
		Owner:  "no-such-user-director-test",
	}

	err := prepareDevice(device, vol)
	require.Error(t, err)
}
