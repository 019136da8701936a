package stream

import (
	"hash/fnv"
	"sort"
	"strings"

	"klinelake/internal/domain"
)

// Shard returns the client index of symbol among n clients. The mapping
// depends only on the symbol, so it is stable across restarts.
func Shard(symbol string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(strings.ToUpper(symbol)))
	return int(h.Sum32() % uint32(n))
}

// Partition splits symbols into n sorted groups by Shard.
func Partition(symbols []string, n int) [][]string {
	n = max(n, 1)
	groups := make([][]string, n)
	for _, s := range symbols {
		i := Shard(s, n)
		groups[i] = append(groups[i], s)
	}
	for _, g := range groups {
		sort.Strings(g)
	}
	return groups
}

// StreamURL builds the combined stream URL subscribing to the kline stream
// of every symbol.
func StreamURL(base string, symbols []string, interval domain.Interval) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@kline_" + interval.String()
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "stream?streams=" + strings.Join(streams, "/")
}
