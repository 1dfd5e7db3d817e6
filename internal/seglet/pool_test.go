package seglet_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ttaaoo/seglog/internal/seglet"
)

func TestAllocAndFree(t *testing.T) {
	p, err := seglet.NewPool(256, 4)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, uint32(256), p.SegletSize())
	require.Equal(t, 4, p.TotalCount())
	require.Equal(t, 4, p.FreeCount())

	taken, err := p.Alloc(2)
	require.NoError(t, err)
	require.Len(t, taken, 2)
	require.Equal(t, 2, p.FreeCount())
	for _, b := range taken {
		require.Len(t, b, 256)
		// seglets must be writable memory
		b[0] = 0xaa
		b[255] = 0xbb
	}

	// all-or-nothing: a failed request takes no seglets
	_, err = p.Alloc(3)
	require.ErrorIs(t, err, seglet.ErrNoSeglets)
	require.Equal(t, 2, p.FreeCount())

	p.Free(taken[0])
	require.Equal(t, 3, p.FreeCount())

	taken, err = p.Alloc(3)
	require.NoError(t, err)
	require.Len(t, taken, 3)
	require.Equal(t, 0, p.FreeCount())
}

func TestBadGeometry(t *testing.T) {
	_, err := seglet.NewPool(0, 4)
	require.Error(t, err)
	_, err = seglet.NewPool(256, 0)
	require.Error(t, err)
}

func TestFilePool(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "arena"))
	require.NoError(t, err)

	p, err := seglet.NewFilePool(f, 128, 8)
	require.NoError(t, err)

	fi, err := os.Stat(f.Name())
	require.NoError(t, err)
	require.Equal(t, int64(128*8), fi.Size())

	taken, err := p.Alloc(8)
	require.NoError(t, err)
	require.Len(t, taken, 8)
	for _, b := range taken {
		copy(b, []byte("persisted"))
	}

	require.NoError(t, p.Close())

	// the arena contents made it to the backing file
	data, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Contains(t, string(data), "persisted")
}
