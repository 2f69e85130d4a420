package viewer

// ComputeWindow returns the inclusive index range [lo, hi] of radius
// positions around cursor in a folder of size entries. An empty folder
// yields lo > hi.
func ComputeWindow(cursor, size, radius int) (lo, hi int) {
	if size <= 0 {
		return 0, -1
	}
	if radius < 0 {
		radius = 0
	}
	cursor = clamp(cursor, 0, size-1)
	lo = cursor - radius
	if lo < 0 {
		lo = 0
	}
	hi = cursor + radius
	if hi > size-1 {
		hi = size - 1
	}
	return lo, hi
}

// inWindow reports whether idx lies in [lo, hi].
func inWindow(idx, lo, hi int) bool {
	return idx >= lo && idx <= hi
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
