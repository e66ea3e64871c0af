// Package keystore implements the file-per-key durable map described in
// spec §4.1: a string key (which may contain "/") maps to a byte-string
// value stored as a regular file under a base directory. It keeps no
// in-memory state of its own, so crash recovery is just "the filesystem is
// still there" — an fsck-style inspection of the directory is always
// possible, as spec §9's design notes require.
//
// The owner (Project) is responsible for mutual exclusion; KeyStore does
// not lock anything itself.
package keystore

import (
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/freebsd-jails/director/internal/errutil"
)

// KeyStore maps string keys to byte-string values, one file per key, rooted
// at Dir.
type KeyStore struct {
	Dir string
}

// New returns a KeyStore rooted at dir. The directory is created lazily by
// Set, not here.
func New(dir string) *KeyStore {
	return &KeyStore{Dir: dir}
}

// keyfile resolves a key to its on-disk path. Keys may contain "/" (a
// service name followed by a sub-key, e.g. "web/name"), so we securejoin
// instead of a bare filepath.Join to guarantee the result can never escape
// Dir even if a key were ever built from an untrusted service name.
func (ks *KeyStore) keyfile(key string) (string, error) {
	return securejoin.SecureJoin(ks.Dir, key)
}

// Set writes value under key, creating any parent directories as needed.
// The write is unbuffered: value goes through a single Write call into a
// sibling "<key>.tmp" file, which is then renamed over the key file, so a
// reader sees either the old content or the new content, never a partial
// write.
func (ks *KeyStore) Set(key string, value []byte) error {
	path, err := ks.keyfile(key)
	if err != nil {
		return errutil.Wrapf(err, "keystore: resolve key %q", key)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errutil.Wrapf(err, "keystore: mkdir for key %q", key)
		}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errutil.Wrapf(err, "keystore: open key %q", key)
	}
	_, err = f.Write(value)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return errutil.Wrapf(err, "keystore: write key %q", key)
	}
	return nil
}

// SetString is a convenience wrapper around Set for string values.
func (ks *KeyStore) SetString(key, value string) error {
	return ks.Set(key, []byte(value))
}

// Has returns true iff key currently has a value.
func (ks *KeyStore) Has(key string) bool {
	path, err := ks.keyfile(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Get returns the contents of key as text, or def if key is absent.
func (ks *KeyStore) Get(key, def string) string {
	path, err := ks.keyfile(key)
	if err != nil {
		return def
	}
	f, err := os.Open(path)
	if err != nil {
		return def
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return def
	}
	return string(data)
}

// Dump walks the directory tree and returns every key's current string
// value, keyed by its "/"-joined path relative to Dir — the fsck-style
// external inspection spec §9's KeyStore design note requires remains
// possible even though nothing in this package keeps an in-memory index.
func (ks *KeyStore) Dump() (map[string]string, error) {
	out := map[string]string{}
	err := filepath.Walk(ks.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == ks.Dir {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(ks.Dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, errutil.Wrapf(err, "keystore: dump %s", ks.Dir)
	}
	return out, nil
}

// Unset removes key. It tolerates a directory existing in place of the file
// (best-effort recursive remove), since a key like "web" might have grown
// sub-keys like "web/name" and "web/fail" underneath it.
func (ks *KeyStore) Unset(key string) error {
	path, err := ks.keyfile(key)
	if err != nil {
		return errutil.Wrapf(err, "keystore: resolve key %q", key)
	}
	if err := os.RemoveAll(path); err != nil {
		return errutil.Wrapf(err, "keystore: unset key %q", key)
	}
	return nil
}
