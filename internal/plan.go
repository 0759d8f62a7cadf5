package internal

// Part is a contiguous byte range [Start, End) of a file, numbered from 1.
type Part struct {
	Number int
	Start  int64
	End    int64
}

// Size returns the number of bytes in the part.
func (p Part) Size() int64 {
	return p.End - p.Start
}

// PartCount returns ceil(size/chunksize). An empty file still has one part.
func PartCount(size, chunksize int64) int {
	n := int(size / chunksize)
	if size%chunksize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

// Plan splits size bytes into parts of chunksize bytes, the last part holding the remainder.
func Plan(size, chunksize int64) []Part {
	n := PartCount(size, chunksize)
	parts := make([]Part, n)
	for i := 0; i < n; i++ {
		off := int64(i) * chunksize
		limit := off + chunksize
		// adjust limit for last chunk
		if i == n-1 {
			limit = size
		}
		parts[i] = Part{Number: i + 1, Start: off, End: limit}
	}
	return parts
}
