package log_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ttaaoo/seglog/internal/buffer"
	"github.com/ttaaoo/seglog/internal/log"
	"github.com/ttaaoo/seglog/internal/seglet"
	"github.com/ttaaoo/seglog/internal/segment"
)

const tagObject segment.Type = 1

func newTestLog(t *testing.T) (*log.Log, *seglet.Pool) {
	t.Helper()
	pool, err := seglet.NewPool(128, 64)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	var c log.Config
	c.Segment.SegmentSize = 512
	l, err := log.NewLog(pool, c)
	require.NoError(t, err)
	return l, pool
}

func payload(i int) []byte {
	p := make([]byte, 100)
	for j := range p {
		p[j] = byte(i + j)
	}
	return p
}

func TestAppendRollsSegments(t *testing.T) {
	l, _ := newTestLog(t)
	require.Equal(t, 1, l.Segments())

	// 100-byte payloads cost 102 bytes; five fit in a 512-byte segment
	var positions []log.Position
	for i := 0; i < 12; i++ {
		pos, err := l.Append(tagObject, payload(i))
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	require.Equal(t, 3, l.Segments())
	require.Equal(t, log.Position{Segment: 0, Offset: 0}, positions[0])
	require.Equal(t, log.Position{Segment: 0, Offset: 408}, positions[4])
	require.Equal(t, log.Position{Segment: 1, Offset: 0}, positions[5])
	require.Equal(t, log.Position{Segment: 2, Offset: 102}, positions[11])

	for i, pos := range positions {
		var out buffer.Buffer
		typ, err := l.Read(pos, &out)
		require.NoError(t, err)
		require.Equal(t, tagObject, typ)
		require.True(t, bytes.Equal(payload(i), out.Bytes()))
	}
}

func TestOversizedEntryDoesNotRoll(t *testing.T) {
	l, _ := newTestLog(t)

	_, err := l.Append(tagObject, make([]byte, 600))
	require.ErrorIs(t, err, segment.ErrFull)
	require.Equal(t, 1, l.Segments())
}

func TestReadBadPosition(t *testing.T) {
	l, _ := newTestLog(t)

	var out buffer.Buffer
	_, err := l.Read(log.Position{Segment: 3}, &out)
	require.ErrorIs(t, err, segment.ErrOutOfRange)
	_, err = l.Read(log.Position{Segment: -1}, &out)
	require.ErrorIs(t, err, segment.ErrOutOfRange)
	_, err = l.Read(log.Position{Segment: 0, Offset: 10}, &out)
	require.ErrorIs(t, err, segment.ErrOutOfRange)
}

func TestFlushAndWrapSealedSegment(t *testing.T) {
	l, _ := newTestLog(t)

	for i := 0; i < 7; i++ {
		_, err := l.Append(tagObject, payload(i))
		require.NoError(t, err)
	}
	require.Equal(t, 2, l.Segments())

	// segment 0 is sealed; ship its bytes and rebuild it on the other side
	var wire buffer.Buffer
	cert, err := l.FlushSegment(0, &wire)
	require.NoError(t, err)
	require.Equal(t, uint32(510), cert.SegmentLength)
	require.Equal(t, cert.SegmentLength, wire.TotalLength())

	w := segment.Wrap(wire.Bytes())
	require.True(t, w.Closed())
	require.Equal(t, cert.SegmentLength, w.Head())
	require.True(t, w.CheckMetadataIntegrity(cert))

	var out buffer.Buffer
	typ, err := w.GetEntry(0, &out)
	require.NoError(t, err)
	require.Equal(t, tagObject, typ)
	require.True(t, bytes.Equal(payload(0), out.Bytes()))

	// the sealed segment's certificate is final
	again, err := l.Certificate(0)
	require.NoError(t, err)
	require.Equal(t, cert, again)
}

func TestCloseStopsAppends(t *testing.T) {
	l, _ := newTestLog(t)
	_, err := l.Append(tagObject, payload(0))
	require.NoError(t, err)

	l.Close()
	_, err = l.Append(tagObject, payload(1))
	require.ErrorIs(t, err, segment.ErrClosed)
}

func TestFreeReturnsEverything(t *testing.T) {
	l, pool := newTestLog(t)
	for i := 0; i < 12; i++ {
		_, err := l.Append(tagObject, payload(i))
		require.NoError(t, err)
	}
	require.Less(t, pool.FreeCount(), 64)

	l.Free()
	require.Equal(t, 64, pool.FreeCount())
}

func TestSegmentSizeMustMatchPool(t *testing.T) {
	pool, err := seglet.NewPool(128, 8)
	require.NoError(t, err)
	defer pool.Close()

	var c log.Config
	c.Segment.SegmentSize = 500
	_, err = log.NewLog(pool, c)
	require.Error(t, err)
}

func TestDefaultSegmentSize(t *testing.T) {
	pool, err := seglet.NewPool(128, 80)
	require.NoError(t, err)
	defer pool.Close()

	l, err := log.NewLog(pool, log.Config{})
	require.NoError(t, err)
	require.Equal(t, uint32(64*128), l.Config.Segment.SegmentSize)
}
