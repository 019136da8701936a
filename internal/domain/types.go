// Package domain defines the core market-data types shared by every
// klinelake component: candles, funding records, trade types and intervals.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Candles
// ---------------------------------------------------------------------------

// Candle is one OHLCV record for a fixed time bucket. BeginTime is the UTC
// instant the bucket opens at and is the identity key within a series.
type Candle struct {
	BeginTime           time.Time
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	QuoteVolume         float64
	TradeCount          int64
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
}

// HoloCandle is a merged candle carrying derived fields.
type HoloCandle struct {
	Candle
	VWAP        float64
	FundingRate float64
}

// ResampledCandle is a higher-timeframe candle aggregated from a dense
// native series. FundingTime is zero when the window carries no funding.
type ResampledCandle struct {
	Candle
	VWAP1mOpen   float64
	FundingRate  float64
	FundingPrice float64
	FundingTime  time.Time
}

// FundingRecord is one funding settlement of a perpetual contract.
// BeginTime is FundingTime floored to the hour.
type FundingRecord struct {
	BeginTime   time.Time
	FundingTime time.Time
	FundingRate float64
}

// NewFundingRecord builds a FundingRecord aligned to its hourly candle.
func NewFundingRecord(fundingTime time.Time, rate float64) FundingRecord {
	ft := fundingTime.UTC()
	return FundingRecord{
		BeginTime:   ft.Truncate(time.Hour),
		FundingTime: ft,
		FundingRate: rate,
	}
}

// ---------------------------------------------------------------------------
// Trade types
// ---------------------------------------------------------------------------

// TradeType identifies a Binance market segment.
type TradeType string

const (
	Spot      TradeType = "spot"
	UMFutures TradeType = "um_futures"
	CMFutures TradeType = "cm_futures"
)

// Profile holds the constants that distinguish one trade type from another.
type Profile struct {
	Type            TradeType
	RESTBase        string // scheme + host
	RESTPrefix      string // e.g. /fapi/v1
	StreamBase      string // e.g. wss://fstream.binance.com/
	ArchiveDir      string // path segment under data/ in the archive bucket
	MaxMinuteWeight int
	EfficientRows   int // rows per call that cost the base weight
	MaxRowsPerCall  int
	HasFunding      bool
}

var profiles = map[TradeType]Profile{
	Spot: {
		Type:            Spot,
		RESTBase:        "https://api.binance.com",
		RESTPrefix:      "/api/v3",
		StreamBase:      "wss://stream.binance.com:9443/",
		ArchiveDir:      "spot",
		MaxMinuteWeight: 6000,
		EfficientRows:   1000,
		MaxRowsPerCall:  1000,
	},
	UMFutures: {
		Type:            UMFutures,
		RESTBase:        "https://fapi.binance.com",
		RESTPrefix:      "/fapi/v1",
		StreamBase:      "wss://fstream.binance.com/",
		ArchiveDir:      "futures/um",
		MaxMinuteWeight: 2400,
		EfficientRows:   499,
		MaxRowsPerCall:  1500,
		HasFunding:      true,
	},
	CMFutures: {
		Type:            CMFutures,
		RESTBase:        "https://dapi.binance.com",
		RESTPrefix:      "/dapi/v1",
		StreamBase:      "wss://dstream.binance.com/",
		ArchiveDir:      "futures/cm",
		MaxMinuteWeight: 2400,
		EfficientRows:   499,
		MaxRowsPerCall:  1500,
		HasFunding:      true,
	},
}

// ParseTradeType validates s as a TradeType.
func ParseTradeType(s string) (TradeType, error) {
	tt := TradeType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[tt]; !ok {
		return "", fmt.Errorf("unknown trade type %q", s)
	}
	return tt, nil
}

// Profile returns the constants for t. Unknown trade types yield the zero
// Profile.
func (t TradeType) Profile() Profile {
	return profiles[t]
}

// ---------------------------------------------------------------------------
// Intervals
// ---------------------------------------------------------------------------

// Interval is a candle width such as 1m, 4h or 1d.
type Interval struct {
	N    int
	Unit byte // 'm', 'h', 'd' or 'w'
}

// ParseInterval parses "Nm"/"NT", "Nh"/"NH", "Nd"/"ND" and "Nw".
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Interval{}, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return Interval{}, fmt.Errorf("invalid interval %q", s)
	}
	var unit byte
	switch s[len(s)-1] {
	case 'm', 'T':
		unit = 'm'
	case 'h', 'H':
		unit = 'h'
	case 'd', 'D':
		unit = 'd'
	case 'w':
		unit = 'w'
	default:
		return Interval{}, fmt.Errorf("invalid interval unit in %q", s)
	}
	return Interval{N: n, Unit: unit}, nil
}

// MustParseInterval is ParseInterval for constants; it panics on error.
func MustParseInterval(s string) Interval {
	iv, err := ParseInterval(s)
	if err != nil {
		panic(err)
	}
	return iv
}

// Duration returns the interval width.
func (iv Interval) Duration() time.Duration {
	var unit time.Duration
	switch iv.Unit {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(iv.N) * unit
}

// String returns the canonical lower-case form, e.g. "5m".
func (iv Interval) String() string {
	return strconv.Itoa(iv.N) + string(iv.Unit)
}

// IsZero reports whether the interval has zero width.
func (iv Interval) IsZero() bool { return iv.Duration() == 0 }

// RowsPerDay returns how many candles of this width fit in one day.
func (iv Interval) RowsPerDay() int {
	d := iv.Duration()
	if d <= 0 {
		return 0
	}
	return int((24 * time.Hour) / d)
}
