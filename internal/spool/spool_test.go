package spool

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRemove(t *testing.T) {
	s, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)

	path, err := s.Write("0", 3, []byte("chunk"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "stream0_chunk3.bin"), path)

	data, err := s.Read(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk"), data)

	require.NoError(t, s.Remove(path))
	require.NoError(t, s.Remove(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPendingOrderingAndFiltering(t *testing.T) {
	s, err := New(t.TempDir(), 0, nil)
	require.NoError(t, err)

	for _, c := range []struct {
		stream string
		index  uint64
	}{{"1", 0}, {"0", 10}, {"0", 2}, {"garage_cam", 1}} {
		_, err := s.Write(c.stream, c.index, []byte{1, 2, 3})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), ".chunk-123"), nil, 0o600))

	files, err := s.Pending()
	require.NoError(t, err)
	require.Len(t, files, 4)

	assert.Equal(t, "0", files[0].StreamID)
	assert.Equal(t, uint64(2), files[0].Index)
	assert.Equal(t, uint64(10), files[1].Index)
	assert.Equal(t, "1", files[2].StreamID)
	assert.Equal(t, "garage_cam", files[3].StreamID)
	assert.Equal(t, int64(3), files[3].Size)

	next, err := s.NextIndex("0")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), next)
	next, err = s.NextIndex("unknown")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

func TestWriteRefusesWhenDiskIsFull(t *testing.T) {
	s, err := New(t.TempDir(), math.MaxInt32, nil)
	require.NoError(t, err)

	_, err = s.Write("0", 0, []byte("chunk"))
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	files, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNewRequiresDirectory(t *testing.T) {
	_, err := New("", 0, nil)
	assert.Error(t, err)
}
