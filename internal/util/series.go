package util

import "sort"

// DedupLast keeps the last occurrence of every key in items and returns the
// survivors sorted ascending by key. Ties cannot occur after dedup, so the
// result is strictly increasing.
func DedupLast[T any](items []T, key func(T) int64) []T {
	last := make(map[int64]int, len(items))
	for i, it := range items {
		last[key(it)] = i
	}

	out := make([]T, 0, len(last))
	for i, it := range items {
		if last[key(it)] == i {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i]) < key(out[j])
	})
	return out
}
