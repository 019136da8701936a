package holo

import (
	"errors"
	"fmt"
	"math"
	"time"

	"klinelake/internal/domain"
)

// FundingEpsilon is the smallest |funding_rate| treated as a settlement.
const FundingEpsilon = 1e-6

// ErrZeroOffset is returned by ResampleOffsets for a zero base offset.
var ErrZeroOffset = errors.New("resample base offset must be positive")

// windowStart returns floor((t - offset) / width) * width + offset.
func windowStart(t time.Time, width, offset time.Duration) time.Time {
	ms := t.UnixMilli() - offset.Milliseconds()
	w := width.Milliseconds()
	q := ms / w
	if ms%w < 0 {
		q--
	}
	return time.UnixMilli(q*w + offset.Milliseconds()).UTC()
}

// Resample aggregates a dense native series with the given step into
// windows of width starting at offset. The trailing window is dropped
// unless it is complete.
func Resample(candles []domain.HoloCandle, step, width, offset time.Duration) []domain.ResampledCandle {
	if len(candles) == 0 || width <= 0 {
		return nil
	}

	var (
		out    []domain.ResampledCandle
		cur    domain.ResampledCandle
		start  time.Time
		funded bool
	)
	for i, c := range candles {
		ws := windowStart(c.BeginTime, width, offset)
		if i == 0 || !ws.Equal(start) {
			if i > 0 {
				out = append(out, cur)
			}
			start = ws
			funded = false
			cur = domain.ResampledCandle{
				Candle: domain.Candle{
					BeginTime: c.BeginTime,
					Open:      c.Open,
					High:      c.High,
					Low:       c.Low,
				},
				VWAP1mOpen: c.VWAP,
			}
		}
		cur.High = max(cur.High, c.High)
		cur.Low = min(cur.Low, c.Low)
		cur.Close = c.Close
		cur.Volume += c.Volume
		cur.QuoteVolume += c.QuoteVolume
		cur.TradeCount += c.TradeCount
		cur.TakerBuyBaseVolume += c.TakerBuyBaseVolume
		cur.TakerBuyQuoteVolume += c.TakerBuyQuoteVolume
		if !funded && math.Abs(c.FundingRate) > FundingEpsilon {
			funded = true
			cur.FundingRate = c.FundingRate
			cur.FundingPrice = c.Open
			cur.FundingTime = c.BeginTime
		}
	}

	end := candles[len(candles)-1].BeginTime.Add(step)
	if end.Sub(start) == width {
		out = append(out, cur)
	}
	return out
}

// ResampleOffsets produces width/base series at offsets 0, base, 2*base, ...
// keyed by the offset written in base's unit, e.g. "0m", "15m", "30m".
func ResampleOffsets(candles []domain.HoloCandle, step time.Duration, width, base domain.Interval) (map[string][]domain.ResampledCandle, error) {
	if base.IsZero() {
		return nil, ErrZeroOffset
	}
	w, b := width.Duration(), base.Duration()
	n := int(w / b)
	out := make(map[string][]domain.ResampledCandle, n)
	for i := range n {
		key := fmt.Sprintf("%d%c", i*base.N, base.Unit)
		out[key] = Resample(candles, step, w, time.Duration(i)*b)
	}
	return out, nil
}
