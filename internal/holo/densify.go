package holo

import (
	"time"

	"klinelake/internal/domain"
)

// Densify fills every missing tick between the first and last candle at the
// given step. Synthetic rows repeat the previous close as open, high, low and
// close, carry zero volumes, a VWAP equal to that price and no funding.
// candles must be sorted and unique.
func Densify(candles []domain.HoloCandle, step time.Duration) []domain.HoloCandle {
	if len(candles) == 0 || step <= 0 {
		return candles
	}
	first := candles[0].BeginTime
	last := candles[len(candles)-1].BeginTime
	out := make([]domain.HoloCandle, 0, int(last.Sub(first)/step)+1)

	next := 0
	var prevClose float64
	for t := first; !t.After(last); t = t.Add(step) {
		for next < len(candles) && candles[next].BeginTime.Before(t) {
			next++ // off-grid rows are dropped
		}
		if next < len(candles) && candles[next].BeginTime.Equal(t) {
			c := candles[next]
			out = append(out, c)
			prevClose = c.Close
			next++
			continue
		}
		out = append(out, domain.HoloCandle{
			Candle: domain.Candle{
				BeginTime: t,
				Open:      prevClose,
				High:      prevClose,
				Low:       prevClose,
				Close:     prevClose,
			},
			VWAP: prevClose,
		})
	}
	return out
}
