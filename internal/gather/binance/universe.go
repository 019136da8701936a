// Package binance implements the archive, update and live gatherers for
// the Binance market segments.
package binance

import (
	"context"
	"fmt"

	"klinelake/internal/fetch"
	"klinelake/internal/source"
	"klinelake/internal/store"
)

// Store is the part of the lake the gatherers write to.
type Store interface {
	store.CandleStore
	store.FundingStore
}

// Universe returns the TRADING symbols of src that pass filter.
func Universe(ctx context.Context, src source.MarketDataSource, filter source.SymbolFilter, policy fetch.Policy) ([]string, error) {
	res := fetch.Call(ctx, policy, src.ExchangeInfo)
	if res.Kind != fetch.Ok {
		return nil, fmt.Errorf("loading exchange info (%s): %w", res.Kind, res.Err)
	}
	return filter.Apply(res.Value), nil
}

func candleKey(region store.Region, src source.MarketDataSource, symbol, interval string) store.SeriesKey {
	return store.SeriesKey{Region: region, TradeType: src.Profile().Type, Symbol: symbol, Interval: interval}
}
