package holo

import (
	"math"
	"sort"
	"strconv"
	"time"

	"klinelake/internal/domain"
)

// Gap is a discontinuity between two consecutive traded candles.
type Gap struct {
	PrevBeginTime time.Time
	BeginTime     time.Time
	PrevClose     float64
	Open          float64
	TimeDiff      time.Duration
	PriceChange   float64 // open / prev_close - 1
}

// DefaultMinPriceChange is the configured price threshold when none is set.
const DefaultMinPriceChange = 0.1

// GapOptions are the detection thresholds.
type GapOptions struct {
	MinGap         time.Duration // default 24h
	MinPriceChange float64       // 0 matches any nonzero move
}

// DetectGaps finds gaps among the volume > 0 rows of a sorted, deduplicated
// series. A gap is material when it is longer than MinGap and moves the
// price by more than MinPriceChange, or when it is longer than twice MinGap
// whatever the price did.
func DetectGaps(candles []domain.HoloCandle, opts GapOptions) []Gap {
	var traded []domain.HoloCandle
	for _, c := range candles {
		if c.Volume > 0 {
			traded = append(traded, c)
		}
	}

	var gaps []Gap
	for i := 1; i < len(traded); i++ {
		prev, cur := traded[i-1], traded[i]
		g := Gap{
			PrevBeginTime: prev.BeginTime,
			BeginTime:     cur.BeginTime,
			PrevClose:     prev.Close,
			Open:          cur.Open,
			TimeDiff:      cur.BeginTime.Sub(prev.BeginTime),
			PriceChange:   cur.Open/prev.Close - 1,
		}
		tier1 := g.TimeDiff > opts.MinGap && math.Abs(g.PriceChange) > opts.MinPriceChange
		tier2 := g.TimeDiff > 2*opts.MinGap
		if tier1 || tier2 {
			gaps = append(gaps, g)
		}
	}

	// Each begin time appears at most once since rows are unique.
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].BeginTime.Before(gaps[j].BeginTime) })
	return gaps
}

// Segment is a named contiguous run of a symbol's history.
type Segment struct {
	Name    string
	Candles []domain.HoloCandle
}

// Split cuts candles at gaps. Segment i holds the rows up to the gap's
// previous candle and from the begin of the gap closing the last kept
// segment. Empty segments are dropped without using an ordinal. The final
// segment keeps symbol as its name; earlier ones are named
// {prefix}{ordinal}_{symbol}.
func Split(symbol string, candles []domain.HoloCandle, gaps []Gap, prefix string) []Segment {
	if len(gaps) == 0 {
		if len(candles) == 0 {
			return nil
		}
		return []Segment{{Name: symbol, Candles: candles}}
	}

	var (
		parts    [][]domain.HoloCandle
		lower    time.Time
		hasLower bool
	)
	for _, g := range gaps {
		var part []domain.HoloCandle
		for _, c := range candles {
			if c.BeginTime.After(g.PrevBeginTime) {
				continue
			}
			if hasLower && c.BeginTime.Before(lower) {
				continue
			}
			part = append(part, c)
		}
		if len(part) == 0 {
			continue
		}
		parts = append(parts, part)
		lower, hasLower = g.BeginTime, true
	}
	if hasLower {
		var last []domain.HoloCandle
		for _, c := range candles {
			if !c.BeginTime.Before(lower) {
				last = append(last, c)
			}
		}
		if len(last) > 0 {
			parts = append(parts, last)
		}
	}

	segments := make([]Segment, len(parts))
	for i, p := range parts {
		name := symbol
		if i < len(parts)-1 {
			name = prefix + strconv.Itoa(i) + "_" + symbol
		}
		segments[i] = Segment{Name: name, Candles: p}
	}
	return segments
}

// IsSegmentOf reports whether name is symbol itself or one of its
// {prefix}{ordinal}_{symbol} segments.
func IsSegmentOf(name, symbol, prefix string) bool {
	if name == symbol {
		return true
	}
	rest, ok := cutPrefix(name, prefix)
	if !ok {
		return false
	}
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	return digits > 0 && rest[digits:] == "_"+symbol
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}
