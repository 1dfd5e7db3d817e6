package log

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ttaaoo/seglog/internal/buffer"
	"github.com/ttaaoo/seglog/internal/metrics"
	"github.com/ttaaoo/seglog/internal/seglet"
	"github.com/ttaaoo/seglog/internal/segment"
)

/*
The log strings segments together into an unbounded append store. All writes
go to the active segment; when it reports that an entry no longer fits, the
log seals it, records its certificate, pulls a fresh segment from the seglet
pool and retries the write there. Sealed segments never change again, so
their bytes can be flushed for transport and their certificates handed to
whoever receives them.
*/

// Position addresses an entry in the log: which segment holds it and the
// entry's logical offset within that segment.
type Position struct {
	Segment int
	Offset  uint32
}

type Log struct {
	mu sync.RWMutex

	pool   *seglet.Pool
	Config Config
	logger *zerolog.Logger

	activeSegment *segment.Segment
	segments      []*segment.Segment
}

// NewLog creates a log whose segments draw seglets from pool.
func NewLog(pool *seglet.Pool, c Config) (*Log, error) {
	if c.Segment.SegmentSize == 0 {
		c.Segment.SegmentSize = 64 * pool.SegletSize()
	}
	if c.Segment.SegmentSize%pool.SegletSize() != 0 {
		return nil, fmt.Errorf("log: segment size %d is not a multiple of seglet size %d",
			c.Segment.SegmentSize, pool.SegletSize())
	}

	logger := zerolog.New(os.Stderr).With().Str("component", "log").Logger()
	l := &Log{
		pool:   pool,
		Config: c,
		logger: &logger,
	}

	return l, l.newSegment()
}

func (l *Log) newSegment() error {
	s, err := segment.New(l.pool, l.pool.SegletSize(), l.Config.Segment.SegmentSize)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s
	return nil
}

// Append writes one entry to the active segment, rolling to a fresh segment
// when the active one is full, and returns the entry's position.
func (l *Log) Append(typ segment.Type, payload []byte) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	off, err := l.activeSegment.Append(typ, payload)
	if errors.Is(err, segment.ErrFull) {
		// An entry too large for an empty segment will never fit; don't
		// burn a segment finding that out.
		if segment.EntrySize(uint32(len(payload))) > l.Config.Segment.SegmentSize {
			return Position{}, err
		}

		l.seal()
		if err = l.newSegment(); err != nil {
			return Position{}, err
		}
		off, err = l.activeSegment.Append(typ, payload)
	}
	if err != nil {
		return Position{}, err
	}

	return Position{Segment: len(l.segments) - 1, Offset: off}, nil
}

// seal closes the active segment. Callers hold l.mu.
func (l *Log) seal() {
	l.activeSegment.Close()
	metrics.SegmentsSealed.Inc()

	var cert segment.Certificate
	l.activeSegment.AppendedLength(&cert)
	l.logger.Debug().
		Int("segment", len(l.segments)-1).
		Uint32("length", cert.SegmentLength).
		Msg("sealed full segment")
}

// Read appends the payload of the entry at pos to out and returns its type.
func (l *Log) Read(pos Position, out *buffer.Buffer) (segment.Type, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, err := l.segmentAt(pos.Segment)
	if err != nil {
		return 0, err
	}
	return s.GetEntry(pos.Offset, out)
}

// Certificate returns the metadata certificate of segment i as of now. For
// sealed segments the certificate is final.
func (l *Log) Certificate(i int) (segment.Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, err := l.segmentAt(i)
	if err != nil {
		return segment.Certificate{}, err
	}
	var cert segment.Certificate
	s.AppendedLength(&cert)
	return cert, nil
}

// FlushSegment appends segment i's committed wire bytes to out and returns
// the certificate a receiver should verify them against. The receiving side
// reconstructs the segment with segment.Wrap.
func (l *Log) FlushSegment(i int, out *buffer.Buffer) (segment.Certificate, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, err := l.segmentAt(i)
	if err != nil {
		return segment.Certificate{}, err
	}
	s.AppendAllToBuffer(out)
	var cert segment.Certificate
	s.AppendedLength(&cert)
	return cert, nil
}

func (l *Log) segmentAt(i int) (*segment.Segment, error) {
	if i < 0 || i >= len(l.segments) {
		return nil, fmt.Errorf("log: no segment %d: %w", i, segment.ErrOutOfRange)
	}
	return l.segments[i], nil
}

// Segments returns the number of segments the log holds, the last of which
// is active.
func (l *Log) Segments() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// Close seals the active segment; the log accepts no further appends.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeSegment.Close()
}

// Free closes the log and returns every segment's seglets to the pool.
func (l *Log) Free() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		s.Free()
	}
	l.segments = nil
	l.activeSegment = nil
}
