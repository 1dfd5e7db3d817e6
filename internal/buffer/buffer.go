package buffer

/*
Buffer is the append-only byte accumulator that segments stage data in and
out of: appends copy bytes to the end, reads hand out sub-ranges of what has
been accumulated so far. A zero Buffer is empty and ready to use.
*/

type Buffer struct {
	data []byte
}

// Append copies p onto the end of the buffer.
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// TotalLength returns the number of bytes accumulated so far.
func (b *Buffer) TotalLength() uint32 {
	return uint32(len(b.data))
}

// Range returns the byte range [offset, offset+length) of the buffer's
// contents, or nil if the range does not lie within the accumulated bytes.
// The returned slice aliases the buffer and is valid until the next Append.
func (b *Buffer) Range(offset, length uint32) []byte {
	if uint64(offset)+uint64(length) > uint64(len(b.data)) {
		return nil
	}
	return b.data[offset : offset+length]
}

// Bytes returns the entire accumulated contents.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reset discards the accumulated contents, retaining capacity for reuse.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
