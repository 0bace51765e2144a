package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "marker.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0o600))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestAppendLineAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	require.NoError(t, AppendLine(path, []byte("one")))
	require.NoError(t, AppendLine(path, []byte("two")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(b))

	require.NoError(t, RemoveIfExists(path))
	require.NoError(t, RemoveIfExists(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
