package segment

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ttaaoo/seglog/internal/buffer"
	"github.com/ttaaoo/seglog/internal/metrics"
)

/*
A Segment is an append-only, bounded-capacity byte store for typed entries.
Its logical address space is tiled from fixed-size seglets pulled lazily from
an allocator as the write cursor crosses block boundaries, so a segment only
ever holds the memory its entries actually need. Everything between offset 0
and head is a gap-free sequence of encoded entries; an append either commits
a whole entry or leaves the segment untouched.

A segment either owns its seglets (New) or borrows a contiguous byte range
somebody else assembled, typically wire bytes received from another process
(Wrap). Borrowed segments are closed on arrival and never free their backing
memory.

Segments are not internally synchronized. One writer appends while the
segment is open; once closed, any number of readers may walk it concurrently.
*/

var (
	// ErrClosed is returned by Append once Close has been called.
	ErrClosed = errors.New("segment: closed")

	// ErrFull is returned by Append when the entry cannot fit even after
	// growing to the segment's maximum seglet count, or when the allocator
	// has no seglets left.
	ErrFull = errors.New("segment: out of space")

	// ErrOutOfRange is returned by read operations whose offset or range
	// falls outside the committed region.
	ErrOutOfRange = errors.New("segment: offset out of range")

	// ErrInvalidEntry is returned when a committed region holds bytes that
	// do not decode as a well-formed entry.
	ErrInvalidEntry = errors.New("segment: invalid entry")
)

// Allocator supplies and reclaims the fixed-size seglets a segment is built
// from. Alloc is all-or-nothing: it either returns count seglets or an error.
type Allocator interface {
	Alloc(count int) ([][]byte, error)
	Free(block []byte)
}

type Segment struct {
	alloc      Allocator
	segletSize uint32
	maxSeglets int

	// blocks[i] covers logical bytes [i*segletSize, (i+1)*segletSize).
	blocks [][]byte
	head   uint32
	closed bool

	// ownsBlocks is false for borrowed (Wrap) backing memory, which must
	// never be returned to an allocator.
	ownsBlocks bool

	checksum metaChecksum
	logger   *zerolog.Logger
}

// New creates an empty segment that grows seglet by seglet from alloc up to
// segmentSize bytes. segmentSize must be a positive multiple of segletSize.
func New(alloc Allocator, segletSize, segmentSize uint32) (*Segment, error) {
	if segletSize == 0 || segmentSize == 0 || segmentSize%segletSize != 0 {
		return nil, fmt.Errorf("segment: segment size %d is not a positive multiple of seglet size %d",
			segmentSize, segletSize)
	}

	return &Segment{
		alloc:      alloc,
		segletSize: segletSize,
		maxSeglets: int(segmentSize / segletSize),
		ownsBlocks: true,
		logger:     newLogger(),
	}, nil
}

// Wrap builds a read-only segment over a contiguous byte range assembled
// elsewhere, e.g. the wire form of a segment that crossed a network or disk
// boundary. The segment is closed, its head is len(buf), its single block is
// the range itself, and it never frees that memory. The running metadata
// checksum is rebuilt from the entries so certificates issued by the wrapped
// segment match the writer's.
func Wrap(buf []byte) *Segment {
	s := &Segment{
		segletSize: uint32(len(buf)),
		maxSeglets: 1,
		blocks:     [][]byte{buf},
		head:       uint32(len(buf)),
		closed:     true,
		ownsBlocks: false,
		logger:     newLogger(),
	}
	s.rebuildChecksum()
	return s
}

func newLogger() *zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Str("component", "segment").Logger()
	return &logger
}

// capacity is the segment's total allocated byte count, which can exceed
// head: bytes past head are allocated but uncommitted.
func (s *Segment) capacity() uint32 {
	return uint32(len(s.blocks)) * s.segletSize
}

// Append writes one entry and returns the logical offset it was committed
// at. It fails with ErrClosed or ErrFull leaving the segment unchanged: no
// partial write, no half-grown block list.
func (s *Segment) Append(typ Type, data []byte) (uint32, error) {
	length := uint32(len(data))
	if s.closed {
		return 0, ErrClosed
	}
	if !s.HasSpaceFor([]uint32{length}) {
		return 0, ErrFull
	}

	total := EntrySize(length)

	// Grow one seglet at a time. HasSpaceFor already bounded the entry
	// against maxSeglets, so this loop cannot overshoot the segment size.
	grown := 0
	for uint64(s.head)+uint64(total) > uint64(s.capacity()) {
		seglets, err := s.alloc.Alloc(1)
		if err != nil {
			for _, b := range s.blocks[len(s.blocks)-grown:] {
				s.alloc.Free(b)
			}
			s.blocks = s.blocks[:len(s.blocks)-grown]
			return 0, ErrFull
		}
		s.blocks = append(s.blocks, seglets[0])
		grown++
	}

	var hdr [1 + maxLengthBytes]byte
	hdrLen := encodeHeader(hdr[:], typ, length)

	offset := s.head
	s.CopyIn(offset, hdr[:hdrLen])
	s.CopyIn(offset+hdrLen, data)
	s.checksum.update(hdr[:hdrLen])
	s.head += total

	metrics.EntriesAppended.Inc()
	metrics.BytesAppended.Add(float64(total))
	return offset, nil
}

// HasSpaceFor reports whether a batch of entries with the given payload
// lengths would fit in the segment, counting capacity the segment could
// still grow into. It mutates nothing and allocates nothing; callers use it
// to pre-check a batch before committing any of it. An empty batch always
// fits; a non-empty batch never fits in a closed segment.
func (s *Segment) HasSpaceFor(lengths []uint32) bool {
	var total uint64
	for _, length := range lengths {
		total += uint64(EntrySize(length))
	}
	if total == 0 {
		return true
	}
	if s.closed {
		return false
	}
	free := uint64(s.maxSeglets)*uint64(s.segletSize) - uint64(s.head)
	return total <= free
}

// Close permanently disables appends. Idempotent; existing entries are
// unaffected and remain readable.
func (s *Segment) Close() {
	s.closed = true
}

// Closed reports whether the segment accepts further appends.
func (s *Segment) Closed() bool {
	return s.closed
}

// Head returns the write cursor: the logical end of committed data.
func (s *Segment) Head() uint32 {
	return s.head
}

// SegletsAllocated returns the number of backing blocks currently held.
func (s *Segment) SegletsAllocated() int {
	return len(s.blocks)
}

// SegletsInUse returns the number of backing blocks committed entries
// actually touch.
func (s *Segment) SegletsInUse() int {
	if s.head == 0 {
		return 0
	}
	return int((s.head + s.segletSize - 1) / s.segletSize)
}

// Free returns owned seglets to the allocator. The segment must not be used
// afterwards. Borrowed backing memory is left alone.
func (s *Segment) Free() {
	if s.ownsBlocks {
		for _, b := range s.blocks {
			s.alloc.Free(b)
		}
	}
	s.blocks = nil
	s.head = 0
	s.closed = true
}

// Peek returns a direct reference to the committed bytes at offset: a slice
// covering everything contiguously readable before the next block boundary
// or head, whichever comes first. It returns nil when offset >= head. This
// is the zero-copy primitive the copying read paths are built from.
func (s *Segment) Peek(offset uint32) []byte {
	if offset >= s.head {
		return nil
	}
	block := offset / s.segletSize
	within := offset % s.segletSize
	n := s.segletSize - within
	if offset+n > s.head {
		n = s.head - offset
	}
	return s.blocks[block][within : within+n]
}

// peekRaw is Peek without the head bound: it exposes allocated-but-
// uncommitted bytes too, stopping only at the block boundary. The raw copy
// operations use it.
func (s *Segment) peekRaw(offset uint32) []byte {
	if s.segletSize == 0 || offset >= s.capacity() {
		return nil
	}
	block := offset / s.segletSize
	within := offset % s.segletSize
	return s.blocks[block][within:s.segletSize]
}

// CopyOut copies bytes starting at logical offset into dest, stopping at the
// end of dest or the segment's allocated capacity, and returns the count
// copied. This is a raw memory operation: it is not entry-aware and will
// happily read allocated bytes past head.
func (s *Segment) CopyOut(offset uint32, dest []byte) uint32 {
	var copied uint32
	for copied < uint32(len(dest)) {
		chunk := s.peekRaw(offset + copied)
		if chunk == nil {
			break
		}
		copied += uint32(copy(dest[copied:], chunk))
	}
	return copied
}

// CopyIn is the mirror of CopyOut: it copies src into the segment's
// allocated bytes starting at offset, block by block, and returns the count
// copied. Besides being the write half of the append path it doubles as the
// fault-injection hook integrity tests scribble with.
func (s *Segment) CopyIn(offset uint32, src []byte) uint32 {
	var copied uint32
	for copied < uint32(len(src)) {
		chunk := s.peekRaw(offset + copied)
		if chunk == nil {
			break
		}
		copied += uint32(copy(chunk, src[copied:]))
	}
	return copied
}

// CopyInFromBuffer copies length bytes from srcOffset within src into the
// segment at offset, without flattening the buffer range through an
// intermediate copy. Boundary semantics match CopyIn, additionally bounded
// by the bytes src actually holds.
func (s *Segment) CopyInFromBuffer(offset uint32, src *buffer.Buffer, srcOffset, length uint32) uint32 {
	var copied uint32
	for copied < length {
		chunk := s.peekRaw(offset + copied)
		if chunk == nil {
			break
		}
		n := length - copied
		if n > uint32(len(chunk)) {
			n = uint32(len(chunk))
		}
		part := src.Range(srcOffset+copied, n)
		if part == nil {
			break
		}
		copy(chunk, part)
		copied += n
	}
	return copied
}

// GetEntry decodes the entry at offset, appends its payload to out, and
// returns its type. offset must be the committed start of an entry.
func (s *Segment) GetEntry(offset uint32, out *buffer.Buffer) (Type, error) {
	typ, length, hdrLen, err := s.decodeEntryAt(offset)
	if err != nil {
		return 0, err
	}
	if err := s.AppendToBuffer(out, offset+hdrLen, length); err != nil {
		return 0, err
	}
	return typ, nil
}

// decodeEntryAt reads and validates the entry header at offset against the
// committed region.
func (s *Segment) decodeEntryAt(offset uint32) (typ Type, length, hdrLen uint32, err error) {
	if offset >= s.head {
		return 0, 0, 0, ErrOutOfRange
	}

	var hdr [1 + maxLengthBytes]byte
	typ, width := decodeHeaderByte(s.Peek(offset)[0])
	if width > maxLengthBytes {
		return 0, 0, 0, ErrInvalidEntry
	}
	if s.CopyOut(offset+1, hdr[1:1+width]) < width {
		return 0, 0, 0, ErrInvalidEntry
	}
	length = decodeLength(hdr[1 : 1+width])
	hdrLen = 1 + width

	if uint64(offset)+uint64(hdrLen)+uint64(length) > uint64(s.head) {
		return 0, 0, 0, ErrInvalidEntry
	}
	return typ, length, hdrLen, nil
}

// AppendToBuffer appends the raw committed bytes [offset, offset+length) to
// out, headers and payloads alike. This is the wire form of the range; a
// segment flushed this way can be handed to Wrap on the other side. A
// zero-length range is valid and appends nothing.
func (s *Segment) AppendToBuffer(out *buffer.Buffer, offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(s.head) {
		return ErrOutOfRange
	}
	for length > 0 {
		chunk := s.Peek(offset)
		if uint32(len(chunk)) > length {
			chunk = chunk[:length]
		}
		out.Append(chunk)
		offset += uint32(len(chunk))
		length -= uint32(len(chunk))
	}
	return nil
}

// AppendAllToBuffer appends the segment's entire committed region to out.
func (s *Segment) AppendAllToBuffer(out *buffer.Buffer) {
	// The range [0, head) is always valid.
	_ = s.AppendToBuffer(out, 0, s.head)
}

// AppendedLength returns head and, when cert is non-nil, fills it with the
// metadata fingerprint of the committed region. The fingerprint is a pure
// function of the sequence of (type, length) pairs appended so far.
func (s *Segment) AppendedLength(cert *Certificate) uint32 {
	if cert != nil {
		*cert = s.checksum.certify(s.head)
	}
	return s.head
}

// CheckMetadataIntegrity walks every entry header from offset 0 up to
// cert.SegmentLength, recomputing the metadata checksum with every decoded
// length bounds-checked before it advances the cursor, and reports whether
// the metadata is consistent with cert. Corrupt input, however adversarial,
// produces a diagnostic and false; it never faults. Payload bytes are never
// inspected, so scribbling on payloads cannot fail the check.
func (s *Segment) CheckMetadataIntegrity(cert Certificate) bool {
	var sum metaChecksum
	capacity := uint64(s.capacity())

	var offset uint32
	for offset < cert.SegmentLength {
		var hdr [1 + maxLengthBytes]byte
		if s.CopyOut(offset, hdr[:1]) < 1 {
			return s.corrupt(cert, "entries run off past allocated segment size")
		}
		_, width := decodeHeaderByte(hdr[0])
		if width > maxLengthBytes {
			return s.corrupt(cert, "invalid length field width")
		}
		sum.update(hdr[:1])

		if s.CopyOut(offset+1, hdr[1:1+width]) < width {
			return s.corrupt(cert, "entries run off past allocated segment size")
		}
		sum.update(hdr[1 : 1+width])

		length := decodeLength(hdr[1 : 1+width])
		end := uint64(offset) + uint64(1+width) + uint64(length)
		if end > capacity {
			return s.corrupt(cert, "entries run off past allocated segment size")
		}
		offset = uint32(end)
	}

	if offset != cert.SegmentLength {
		return s.corrupt(cert, "entries run off past expected length")
	}
	if sum.certify(cert.SegmentLength).Checksum != cert.Checksum {
		return s.corrupt(cert, "bad checksum")
	}
	return true
}

func (s *Segment) corrupt(cert Certificate, reason string) bool {
	metrics.IntegrityFailures.Inc()
	s.logger.Error().
		Uint32("segment_length", cert.SegmentLength).
		Str("reason", reason).
		Msg("segment corrupt")
	return false
}

// rebuildChecksum replays the committed entry headers into the running
// checksum. Used when a segment is reconstructed over received bytes; on
// malformed input it folds what decodes cleanly and stops, leaving full
// detection to CheckMetadataIntegrity.
func (s *Segment) rebuildChecksum() {
	var offset uint32
	for offset < s.head {
		_, length, hdrLen, err := s.decodeEntryAt(offset)
		if err != nil {
			return
		}
		var hdr [1 + maxLengthBytes]byte
		s.CopyOut(offset, hdr[:hdrLen])
		s.checksum.update(hdr[:hdrLen])
		offset += hdrLen + length
	}
}
