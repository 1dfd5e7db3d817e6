package seglet

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tysonmote/gommap"

	"github.com/ttaaoo/seglog/internal/metrics"
)

/*
A pool carves a single memory mapping into fixed-size seglets and hands them
out to segments. Segments grow by pulling seglets one at a time and return
them when they are destroyed, so the pool is the unit that bounds how much
segment memory the process can consume.

The mapping is either anonymous (NewPool) or file-backed (NewFilePool). The
file-backed form maps the file MAP_SHARED the same way the index of a
disk-backed log does, so the arena contents survive in the file.
*/

// ErrNoSeglets is returned by Alloc when the free list cannot satisfy the
// requested count. Allocation is all-or-nothing.
var ErrNoSeglets = errors.New("seglet: insufficient free seglets")

type Pool struct {
	mu         sync.Mutex
	segletSize uint32
	mmap       gommap.MMap
	file       *os.File
	free       [][]byte
	total      int
	logger     *zerolog.Logger
}

// NewPool maps an anonymous arena of count seglets of segletSize bytes each.
func NewPool(segletSize uint32, count int) (*Pool, error) {
	if segletSize == 0 || count <= 0 {
		return nil, fmt.Errorf("seglet: bad pool geometry: %d seglets of %d bytes", count, segletSize)
	}

	mmap, err := gommap.MapRegion(
		^uintptr(0), 0, int64(segletSize)*int64(count),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_PRIVATE|gommap.MAP_ANONYMOUS,
	)
	if err != nil {
		return nil, err
	}

	return newPool(nil, mmap, segletSize, count), nil
}

// NewFilePool grows f to hold count seglets, maps it shared, and carves the
// mapping into seglets. The file is grown up front because the mapping cannot
// be resized afterwards. The pool takes ownership of f and closes it in Close.
func NewFilePool(f *os.File, segletSize uint32, count int) (*Pool, error) {
	if segletSize == 0 || count <= 0 {
		return nil, fmt.Errorf("seglet: bad pool geometry: %d seglets of %d bytes", count, segletSize)
	}

	if err := os.Truncate(f.Name(), int64(segletSize)*int64(count)); err != nil {
		return nil, err
	}

	mmap, err := gommap.Map(f.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED,
	)
	if err != nil {
		return nil, err
	}

	return newPool(f, mmap, segletSize, count), nil
}

func newPool(f *os.File, mmap gommap.MMap, segletSize uint32, count int) *Pool {
	logger := zerolog.New(os.Stderr).With().Str("component", "seglet-pool").Logger()
	p := &Pool{
		segletSize: segletSize,
		mmap:       mmap,
		file:       f,
		free:       make([][]byte, 0, count),
		total:      count,
		logger:     &logger,
	}
	for i := 0; i < count; i++ {
		off := uint64(i) * uint64(segletSize)
		p.free = append(p.free, mmap[off:off+uint64(segletSize)])
	}
	metrics.SegletsFree.Add(float64(count))
	return p
}

// SegletSize returns the size of every seglet the pool hands out.
func (p *Pool) SegletSize() uint32 {
	return p.segletSize
}

// Alloc removes count seglets from the free list and returns them. If fewer
// than count seglets are free it returns ErrNoSeglets and takes nothing.
func (p *Pool) Alloc(count int) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if count > len(p.free) {
		p.logger.Debug().
			Int("requested", count).
			Int("free", len(p.free)).
			Msg("allocation failed")
		return nil, ErrNoSeglets
	}

	taken := make([][]byte, count)
	copy(taken, p.free[len(p.free)-count:])
	p.free = p.free[:len(p.free)-count]

	metrics.SegletsAllocated.Add(float64(count))
	metrics.SegletsFree.Sub(float64(count))
	return taken, nil
}

// Free returns a seglet to the free list for reuse.
func (p *Pool) Free(block []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, block)
	metrics.SegletsAllocated.Sub(1)
	metrics.SegletsFree.Add(1)
}

// FreeCount reports how many seglets are currently available.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// TotalCount reports how many seglets the arena was carved into.
func (p *Pool) TotalCount() int {
	return p.total
}

// Close syncs a file-backed arena and unmaps it. Seglets handed out by the
// pool must not be touched afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	metrics.SegletsFree.Sub(float64(len(p.free)))
	metrics.SegletsAllocated.Sub(float64(p.total - len(p.free)))
	p.free = nil

	if p.file != nil {
		if err := p.mmap.Sync(gommap.MS_SYNC); err != nil {
			return err
		}
		if err := p.mmap.UnsafeUnmap(); err != nil {
			return err
		}
		return p.file.Close()
	}
	return p.mmap.UnsafeUnmap()
}
