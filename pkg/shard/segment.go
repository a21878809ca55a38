package shard

// Segment is the part of a logical range that falls inside one shard.
type Segment struct {
	// Shard is the index of the shard file
	Shard int
	// Pos is the position of the segment within the caller's buffer
	Pos int
	// Local is the offset inside the shard file
	Local int64
	// Len is the number of bytes in the segment
	Len int
}

// Segments splits the logical range [off, off+n) into shard-local pieces.
//
// The first segment starts at off%capacity and runs at most to the end of
// that shard; every following segment starts at local offset 0 and is a
// full capacity long, except the last one which holds the remainder.
// Concatenating the segments in order reproduces the range exactly.
func Segments(off int64, n int, capacity int64) []Segment {
	if n <= 0 || capacity <= 0 {
		return nil
	}

	segs := make([]Segment, 0, 1+int(int64(n)/capacity))
	pos := 0
	for pos < n {
		abs := off + int64(pos)
		local := abs % capacity

		length := capacity - local
		if rem := int64(n - pos); rem < length {
			length = rem
		}

		segs = append(segs, Segment{
			Shard: int(abs / capacity),
			Pos:   pos,
			Local: local,
			Len:   int(length),
		})
		pos += int(length)
	}
	return segs
}
