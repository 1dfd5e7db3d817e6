package log

type Config struct {
	Segment struct {
		// The capacity of each segment in bytes. Must be a multiple of the
		// pool's seglet size; defaults to 64 seglets.
		SegmentSize uint32
	}
}
