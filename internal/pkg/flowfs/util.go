package flowfs

// MaxInt returns the larger of a and b
func MaxInt(a, b int) int {
	if a < b {
		return b
	}
	return a
}

// SplitEvery splits values into groups of at most groupSize elements.
// The final group holds the remainder.
func SplitEvery[T any](values []T, groupSize int) [][]T {
	if groupSize <= 0 || len(values) == 0 {
		return nil
	}
	groups := make([][]T, 0, (len(values)+groupSize-1)/groupSize)
	for groupSize < len(values) {
		values, groups = values[groupSize:], append(groups, values[0:groupSize:groupSize])
	}
	return append(groups, values)
}
