package jaildriver

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	fstab "github.com/deniswernert/go-fstab"
	"golang.org/x/sys/unix"

	"github.com/freebsd-jails/director/internal/errutil"
	"github.com/freebsd-jails/director/internal/specparser"
)

// VolumeMount is a resolved volume ready to be passed to appjail's
// `makejail -o fstab="..."` flag. It wraps a fstab.Mount for the structured
// device/mountpoint/type/options/dump/pass fields go-fstab already models,
// and adds the quoted-single-field rendering appjail's command line expects
// (which isn't the same as a standard /etc/fstab line: all six fields are
// embedded in one `-o` argument, the four string fields quoted).
type VolumeMount struct {
	mount   *fstab.Mount
	options string
}

// FstabLine renders the volume the way appjail's makejail `-o fstab=...`
// flag expects: a single fstab= value carrying device, mountpoint, type and
// options (each quoted, with `"` escaped) followed by numeric dump and pass.
func (v VolumeMount) FstabLine() string {
	q := func(s string) string { return strings.ReplaceAll(s, `"`, `\"`) }
	return fmt.Sprintf(`fstab="%s" "%s" "%s" "%s" %d %d`,
		q(v.mount.Spec), q(v.mount.File), q(v.mount.VfsType), q(v.options),
		v.mount.Freq, v.mount.PassNo)
}

// ResolveVolume turns a service's (volume-name -> mountpoint) reference
// plus the project's volume definitions into a VolumeMount, pre-creating
// and chmod/chown'ing the host-side device when the volume type is nullfs
// or a pseudo-filesystem (spec §9's device pre-mount attribute handling),
// while saving and restoring the process umask around the mkdir so the
// override does not outlive the call.
func ResolveVolume(name, mountpoint string, vol specparser.VolumeDef, defaultType string) (VolumeMount, error) {
	typ := vol.Type
	if typ == "" {
		typ = defaultType
	}

	device := vol.Device

	if typ == "nullfs" || typ == "<pseudofs>" {
		if err := prepareDevice(device, vol); err != nil {
			return VolumeMount{}, errutil.Wrapf(err, "jaildriver: volume %s", name)
		}
		resolved, err := filepath.EvalSymlinks(device)
		if err == nil {
			device = resolved
		}
	}

	opts := vol.Options
	if opts == "" {
		opts = "rw"
	}
	dump := vol.Dump
	pass := vol.Pass

	return VolumeMount{
		options: opts,
		mount: &fstab.Mount{
			Spec:    device,
			File:    mountpoint,
			VfsType: typ,
			Freq:    dump,
			PassNo:  pass,
		},
	}, nil
}

// prepareDevice mkdirs the host-side volume source if missing, applying
// the volume's umask/mode/owner/group attributes. The umask is saved and
// restored around the call since os.Umask is process-global.
func prepareDevice(device string, vol specparser.VolumeDef) error {
	var oldUmask int
	restoreUmask := false
	if vol.Umask != nil {
		oldUmask = unix.Umask(*vol.Umask)
		restoreUmask = true
	}
	defer func() {
		if restoreUmask {
			unix.Umask(oldUmask)
		}
	}()

	if _, err := os.Stat(device); os.IsNotExist(err) {
		if err := os.MkdirAll(device, 0o755); err != nil {
			return errutil.Wrapf(err, "mkdir volume device %s", device)
		}
	}

	if vol.Mode != nil {
		if err := os.Chmod(device, os.FileMode(*vol.Mode)); err != nil {
			return errutil.Wrapf(err, "chmod volume device %s", device)
		}
	}

	if vol.Owner != "" || vol.Group != "" {
		uid, gid := -1, -1
		if vol.Owner != "" {
			n, err := resolveUID(vol.Owner)
			if err != nil {
				return errutil.Wrapf(err, "resolve owner %s for volume device %s", vol.Owner, device)
			}
			uid = n
		}
		if vol.Group != "" {
			n, err := resolveGID(vol.Group)
			if err != nil {
				return errutil.Wrapf(err, "resolve group %s for volume device %s", vol.Group, device)
			}
			gid = n
		}
		if err := os.Chown(device, uid, gid); err != nil {
			return errutil.Wrapf(err, "chown volume device %s", device)
		}
	}

	return nil
}

// resolveUID accepts either a numeric uid or a username (spec §3: "owner/
// group accept integer or string"), mirroring shutil.chown's dual form.
func resolveUID(owner string) (int, error) {
	if n, err := strconv.Atoi(owner); err == nil {
		return n, nil
	}
	u, err := user.Lookup(owner)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(u.Uid)
}

// resolveGID accepts either a numeric gid or a group name.
func resolveGID(group string) (int, error) {
	if n, err := strconv.Atoi(group); err == nil {
		return n, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(g.Gid)
}
