// Package store defines storage interfaces for persisting and retrieving
// candle, funding and derived series in a partitioned on-disk lake.
package store

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"klinelake/internal/domain"
)

// Region is a top-level namespace of the lake.
type Region string

const (
	RegionArchive  Region = "archive"  // parsed bulk archive files
	RegionAPI      Region = "api"      // REST completion and live stream writes
	RegionHolo     Region = "holo"     // merged, split and densified series
	RegionResample Region = "resample" // higher-timeframe series
)

// FundingInterval is the interval directory used for funding series.
const FundingInterval = "funding"

// ErrCorrupt marks a partition file that could not be decoded. Reads
// self-heal by deleting such files.
var ErrCorrupt = errors.New("corrupt partition")

// SeriesKey identifies one (region, trade type, symbol, interval) series.
type SeriesKey struct {
	Region    Region
	TradeType domain.TradeType
	Symbol    string
	Interval  string
}

// Dir returns the series directory below root:
//
//	<root>/<region>/<trade_type>/<SYMBOL>/<interval>
func (k SeriesKey) Dir(root string) string {
	return filepath.Join(root, string(k.Region), string(k.TradeType), k.Symbol, k.Interval)
}

// CandleStore persists and retrieves candle series.
type CandleStore interface {
	// WriteCandles upserts candles into the partitions they fall into.
	WriteCandles(ctx context.Context, key SeriesKey, candles []domain.Candle) error

	// ReadCandles returns every candle of the series, deduplicated and sorted.
	ReadCandles(ctx context.Context, key SeriesKey) ([]domain.Candle, error)

	// LastBegin returns the begin time of the newest candle; ok is false for
	// an empty series.
	LastBegin(ctx context.Context, key SeriesKey) (t time.Time, ok bool, err error)

	// TrimCandles drops candles outside [start, end).
	TrimCandles(ctx context.Context, key SeriesKey, start, end time.Time) error

	// Partitions returns the partition ids present for the series.
	Partitions(ctx context.Context, key SeriesKey) ([]string, error)

	// ListSymbols returns all symbols stored in the region for a trade type.
	ListSymbols(ctx context.Context, region Region, tradeType domain.TradeType) ([]string, error)
}

// FundingStore persists and retrieves funding-rate series.
type FundingStore interface {
	// WriteFunding upserts funding records keyed by their hourly begin time.
	WriteFunding(ctx context.Context, key SeriesKey, records []domain.FundingRecord) error

	// ReadFunding returns every funding record of the series.
	ReadFunding(ctx context.Context, key SeriesKey) ([]domain.FundingRecord, error)
}

// HoloStore persists merged and resampled output series.
type HoloStore interface {
	// WriteHolo upserts holo candles.
	WriteHolo(ctx context.Context, key SeriesKey, candles []domain.HoloCandle) error

	// ReadHolo returns every holo candle of the series.
	ReadHolo(ctx context.Context, key SeriesKey) ([]domain.HoloCandle, error)

	// WriteResampled upserts resampled candles.
	WriteResampled(ctx context.Context, key SeriesKey, candles []domain.ResampledCandle) error

	// RemoveSeries deletes every partition of the series.
	RemoveSeries(ctx context.Context, key SeriesKey) error

	// ListSymbols returns all symbols stored in the region for a trade type.
	ListSymbols(ctx context.Context, region Region, tradeType domain.TradeType) ([]string, error)
}
