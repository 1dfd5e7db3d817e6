package segment

import "encoding/binary"

/*
Every entry in a segment starts with a one-byte header: the entry type in the
low six bits and a two-bit selector in the high bits encoding how many bytes
the following length field occupies (selector value = width - 1). The length
field itself is 1, 2 or 3 raw little-endian bytes, chosen as the minimum
width that holds the payload length, and is followed immediately by the
payload. Payloads never need a four-byte length field; the maximum single
entry payload is MaxEntryLength.
*/

var enc = binary.LittleEndian

// Type tags an entry. Tags are opaque to the segment; the six low bits are
// stored in the entry header and the rest must be zero.
type Type uint8

const (
	// MaxType is the largest tag value an entry header can carry.
	MaxType Type = 0x3f

	// MaxEntryLength is the largest payload a single entry can hold, the
	// largest value a three-byte length field represents.
	MaxEntryLength uint32 = 1<<24 - 1

	maxLengthBytes uint32 = 3
)

// lengthBytes returns the width of the length field for a payload of the
// given length. Lengths that would need a four-byte field violate the
// append contract and panic.
func lengthBytes(length uint32) uint32 {
	switch {
	case length <= 0xff:
		return 1
	case length <= 0xffff:
		return 2
	case length <= MaxEntryLength:
		return 3
	}
	panic("segment: entry length requires a 4-byte length field")
}

// EntrySize returns the total number of segment bytes an entry with the
// given payload length occupies, header included.
func EntrySize(length uint32) uint32 {
	return 1 + lengthBytes(length) + length
}

// encodeHeader writes the header byte and length field for an entry of the
// given type and payload length into dst, returning the number of bytes
// written. dst must have room for 1+maxLengthBytes bytes.
func encodeHeader(dst []byte, typ Type, length uint32) uint32 {
	if typ > MaxType {
		panic("segment: entry type out of range")
	}
	width := lengthBytes(length)
	dst[0] = byte(width-1)<<6 | byte(typ)
	for i := uint32(0); i < width; i++ {
		dst[1+i] = byte(length >> (8 * i))
	}
	return 1 + width
}

// decodeHeaderByte splits a header byte into the entry type and the width of
// the length field that follows. A width of 4 can only come from corrupt
// metadata; the caller must treat it as such.
func decodeHeaderByte(b byte) (Type, uint32) {
	return Type(b & byte(MaxType)), uint32(b>>6) + 1
}

// decodeLength decodes a little-endian length field of 1 to 3 bytes.
func decodeLength(field []byte) uint32 {
	var length uint32
	for i, b := range field {
		length |= uint32(b) << (8 * i)
	}
	return length
}
