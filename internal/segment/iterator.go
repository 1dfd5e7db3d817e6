package segment

import "github.com/ttaaoo/seglog/internal/buffer"

// Iterator walks a segment's committed entries in append order.
//
//	it := segment.NewIterator(seg)
//	for it.Next() {
//		... it.Type(), it.Offset(), it.Length() ...
//	}
//	if err := it.Err(); err != nil { ... }
//
// Corrupt metadata stops the walk and surfaces through Err rather than
// panicking.
type Iterator struct {
	seg    *Segment
	next   uint32
	err    error
	typ    Type
	offset uint32
	length uint32
	hdrLen uint32
}

func NewIterator(s *Segment) *Iterator {
	return &Iterator{seg: s}
}

// Next advances to the next entry and reports whether one was decoded.
func (it *Iterator) Next() bool {
	if it.err != nil || it.next >= it.seg.Head() {
		return false
	}

	typ, length, hdrLen, err := it.seg.decodeEntryAt(it.next)
	if err != nil {
		it.err = err
		return false
	}

	it.typ = typ
	it.offset = it.next
	it.length = length
	it.hdrLen = hdrLen
	it.next += hdrLen + length
	return true
}

// Type returns the current entry's tag.
func (it *Iterator) Type() Type { return it.typ }

// Offset returns the logical offset the current entry starts at, usable
// with GetEntry.
func (it *Iterator) Offset() uint32 { return it.offset }

// Length returns the current entry's payload length.
func (it *Iterator) Length() uint32 { return it.length }

// AppendPayload appends the current entry's payload bytes to out.
func (it *Iterator) AppendPayload(out *buffer.Buffer) error {
	return it.seg.AppendToBuffer(out, it.offset+it.hdrLen, it.length)
}

// Err returns the corruption error that stopped the walk, if any.
func (it *Iterator) Err() error { return it.err }
