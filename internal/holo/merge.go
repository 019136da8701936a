// Package holo turns the raw archive and api regions into holo series:
// merged, split at material discontinuities, densified to the native step
// and optionally resampled.
package holo

import (
	"errors"

	"klinelake/internal/domain"
	"klinelake/internal/util"
)

// ErrFundingOnSpot is returned when funding records are passed for a spot
// series.
var ErrFundingOnSpot = errors.New("spot series cannot carry funding rates")

// MergeOptions controls Merge.
type MergeOptions struct {
	TradeType  domain.TradeType
	TradedOnly bool // drop volume == 0 rows before dedup
}

func beginMs(c domain.Candle) int64 { return c.BeginTime.UnixMilli() }

// Merge concatenates archive then live candles, dedups by begin time so that
// live rows win, and derives VWAP and funding rate. Funding is left-joined on
// begin time; unmatched rows get 0.
func Merge(archive, live []domain.Candle, funding []domain.FundingRecord, opts MergeOptions) ([]domain.HoloCandle, error) {
	if opts.TradeType == domain.Spot && funding != nil {
		return nil, ErrFundingOnSpot
	}

	all := make([]domain.Candle, 0, len(archive)+len(live))
	for _, src := range [][]domain.Candle{archive, live} {
		for _, c := range src {
			if opts.TradedOnly && c.Volume == 0 {
				continue
			}
			all = append(all, c)
		}
	}
	merged := util.DedupLast(all, beginMs)

	rates := make(map[int64]float64, len(funding))
	for _, f := range funding {
		rates[f.BeginTime.UnixMilli()] = f.FundingRate
	}

	out := make([]domain.HoloCandle, len(merged))
	for i, c := range merged {
		out[i] = domain.HoloCandle{
			Candle:      c,
			VWAP:        VWAP(c),
			FundingRate: rates[beginMs(c)],
		}
	}
	return out, nil
}

// VWAP returns quote_volume / volume clipped to [low, high], or open when
// nothing traded.
func VWAP(c domain.Candle) float64 {
	if c.Volume == 0 {
		return c.Open
	}
	return clip(c.QuoteVolume/c.Volume, c.Low, c.High)
}

func clip(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
