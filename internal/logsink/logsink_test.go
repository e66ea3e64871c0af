package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesRunDirLazily(t *testing.T) {
	base := t.TempDir()
	sink := New(base, time.Date(2026, 7, 30, 14, 5, 9, 0, time.UTC))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)

	w, err := sink.Open("web/makejail.log")
	require.NoError(t, err)
	_, err = io.WriteString(w, "building\n")
	require.NoError(t, err)
	require.NoError(t, w.(io.Closer).Close())

	data, err := os.ReadFile(filepath.Join(sink.Dir(), "web", "makejail.log"))
	require.NoError(t, err)
	assert.Equal(t, "building\n", string(data))
}

func TestDirNameIsTimestamped(t *testing.T) {
	sink := New("/var/log/director", time.Date(2026, 7, 30, 14, 5, 9, 0, time.UTC))
	assert.Equal(t, "/var/log/director/2026-07-30_14h05m09s", sink.Dir())
}

func TestWriterPrefixesEachWrite(t *testing.T) {
	var got string
	w := &Writer{Prefix: "[web] ", Logf: func(format string, v ...interface{}) {
		got += fmt.Sprintf(format, v...)
	}}
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "[web] hello", got)
}
