package segment

import "hash/crc32"

/*
A Certificate fingerprints a segment's committed metadata: the length of the
committed region and a CRC-32C over every entry header and length field from
offset 0 up to that length, with the length itself folded in last. A reader
holding a certificate can verify that the metadata it received is exactly the
metadata the writer committed without touching a single payload byte.
*/

// Certificate is comparable by value; two segments that committed the same
// sequence of (type, length) pairs produce equal certificates regardless of
// payload contents.
type Certificate struct {
	SegmentLength uint32
	Checksum      uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// metaChecksum is the running CRC-32C over entry metadata. The zero value is
// the checksum of the empty entry sequence.
type metaChecksum uint32

func (c *metaChecksum) update(p []byte) {
	*c = metaChecksum(crc32.Update(uint32(*c), castagnoli, p))
}

// certify folds the committed length into a copy of the running checksum and
// produces the certificate for a segment of that length.
func (c metaChecksum) certify(segmentLength uint32) Certificate {
	var field [4]byte
	enc.PutUint32(field[:], segmentLength)
	c.update(field[:])
	return Certificate{
		SegmentLength: segmentLength,
		Checksum:      uint32(c),
	}
}
