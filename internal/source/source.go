// Package source implements the REST market-data endpoints of the three
// Binance trade types behind one MarketDataSource interface. The variants
// differ only by domain.Profile constants.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"klinelake/internal/domain"
)

// MarketDataSource is the REST capability set shared by all trade types.
type MarketDataSource interface {
	// Profile returns the trade-type constants of this source.
	Profile() domain.Profile

	// TimeAndWeight returns the authoritative server time and the weight
	// used in the current one-minute window.
	TimeAndWeight(ctx context.Context) (time.Time, int, error)

	// Klines returns candles matching q, oldest first.
	Klines(ctx context.Context, symbol string, interval domain.Interval, q KlineQuery) ([]domain.Candle, error)

	// ExchangeInfo returns the validated symbol list.
	ExchangeInfo(ctx context.Context) ([]SymbolInfo, error)

	// FundingRates returns funding records starting at start, oldest first.
	FundingRates(ctx context.Context, symbol string, start time.Time, limit int) ([]domain.FundingRecord, error)
}

// KlineQuery bounds a klines request. Zero times are omitted.
type KlineQuery struct {
	Start time.Time
	End   time.Time // inclusive, as the endpoint treats endTime
	Limit int
}

// SymbolInfo is one validated exchangeInfo entry.
type SymbolInfo struct {
	Symbol       string
	Status       string
	BaseAsset    string
	QuoteAsset   string
	ContractType string // empty for spot
}

// ErrUnsupported is returned for endpoints a trade type does not offer.
var ErrUnsupported = errors.New("unsupported by trade type")

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Application error codes that retrying cannot fix.
const (
	CodeInvalidSymbol       = -1121
	CodeInvalidSymbolStatus = -1122
)

var nonRetryableCodes = map[int]struct{}{
	CodeInvalidSymbol:       {},
	CodeInvalidSymbolStatus: {},
}

// APIError is a non-2xx response from the REST endpoint.
type APIError struct {
	Status int    // HTTP status
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// NonRetryable reports whether the error code marks a symbol or resource
// that does not exist.
func (e *APIError) NonRetryable() bool {
	_, ok := nonRetryableCodes[e.Code]
	return ok
}

// IsNonRetryable reports whether err wraps a non-retryable APIError.
func IsNonRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NonRetryable()
}
