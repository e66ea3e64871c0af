// Package envfile loads a KEY=VALUE environment file before configuration,
// per spec §6: a missing file is silently ignored (it is optional by
// design, not a misconfiguration).
package envfile

import (
	"bufio"
	"os"
	"strings"

	"github.com/freebsd-jails/director/internal/errutil"
)

// Load reads path as a KEY=VALUE file, one assignment per line, and sets
// each into the process environment. Blank lines and lines starting with
// "#" are skipped. A missing file is not an error.
func Load(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errutil.Wrapf(err, "envfile: open %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return errutil.Wrapf(err, "envfile: setenv %s", key)
		}
	}
	if err := scanner.Err(); err != nil {
		return errutil.Wrapf(err, "envfile: read %s", path)
	}
	return nil
}
