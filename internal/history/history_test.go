package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "episodes")
	w, err := NewWriter(dir, 4)
	require.NoError(t, err)
	for ep := 1; ep <= 10; ep++ {
		require.NoError(t, w.RecordEpisode(ep, 10*ep, ep+1, ep/3, 0.5))
	}
	assert.Len(t, w.Files(), 2, "two full batches")
	require.NoError(t, w.Close())
	assert.Len(t, w.Files(), 3)
	require.NoError(t, w.Close(), "closing with nothing buffered is a no-op")
	assert.Len(t, w.Files(), 3)

	// Temporary directory is left empty.
	tmpEntries, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmpEntries)

	rows, err := ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for ii, row := range rows {
		ep := int32(ii + 1)
		assert.Equal(t, ep, row.Episode)
		assert.Equal(t, 10*ep, row.Score)
		assert.Equal(t, ep+1, row.Steps)
		assert.Equal(t, ep/3, row.Lines)
		assert.Equal(t, float32(0.5), row.Epsilon)
		assert.Positive(t, row.UnixMillis)
	}
}

func TestNewWriterErrors(t *testing.T) {
	_, err := NewWriter("", 10)
	assert.Error(t, err)
	_, err = ReadDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
