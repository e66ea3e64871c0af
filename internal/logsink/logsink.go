// Package logsink implements the per-run, per-service log file layout
// described in spec §4.4: a timestamped run directory holding one file per
// logged operation (makejail.log, start.log, stop.log, ...), created
// lazily so a run that never writes anything leaves no directory behind.
package logsink

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/freebsd-jails/director/internal/errutil"
)

// Sink is a run-wide base directory. It is created lazily, on the first
// call to Open, so a dry or entirely-cached run never touches the logs
// directory at all.
type Sink struct {
	baseDir string
	mu      sync.Mutex
	created bool
}

// New returns a Sink whose run directory is a timestamped subdirectory of
// logsDir, named the way spec §4.4 documents (YYYY-MM-DD_HHhMMmSSs). now is
// injected so callers own how time is obtained (stamped once, at run
// start, not recomputed per Open call).
func New(logsDir string, now time.Time) *Sink {
	stamp := now.Format("2006-01-02_15h04m05s")
	return &Sink{baseDir: filepath.Join(logsDir, stamp)}
}

// Dir returns the run directory path, whether or not it has been created
// on disk yet. The Project persists this under the `last_log` key.
func (s *Sink) Dir() string {
	return s.baseDir
}

// Open returns a write-only handle to relative under the run directory,
// creating any intermediate directories (and the run directory itself, on
// first use) as needed.
func (s *Sink) Open(relative string) (io.WriteCloser, error) {
	s.mu.Lock()
	if !s.created {
		if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
			s.mu.Unlock()
			return nil, errutil.Wrapf(err, "logsink: create run directory %s", s.baseDir)
		}
		s.created = true
	}
	s.mu.Unlock()

	path := filepath.Join(s.baseDir, relative)
	if dir := filepath.Dir(path); dir != s.baseDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errutil.Wrapf(err, "logsink: create %s", dir)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errutil.Wrapf(err, "logsink: open %s", path)
	}
	return f, nil
}

// Writer wraps a Logf-style callback as an io.Writer, prefixing every
// write, matching the LogWriter idiom used to tee script text to multiple
// destinations at once.
type Writer struct {
	Prefix string
	Logf   func(format string, v ...interface{})
}

// Write satisfies io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.Logf("%s%s", w.Prefix, string(p))
	return len(p), nil
}
