package upload

// PartProgress is the transfer state of one part.
type PartProgress struct {
	PartNumber int
	BytesSent  int64
	BytesTotal int64
	Percentage int
}

// Percent returns floor(sent*100/total), 0 for an empty total.
func Percent(sent, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(sent * 100 / total)
}

// Aggregate returns floor(sum of part percentages / number of parts).
func Aggregate(progress []PartProgress) int {
	if len(progress) == 0 {
		return 0
	}
	sum := 0
	for _, p := range progress {
		sum += p.Percentage
	}
	return sum / len(progress)
}
