package binance

import (
	"context"
	"log/slog"
	"time"

	"klinelake/internal/domain"
	"klinelake/internal/fetch"
	"klinelake/internal/gather"
	"klinelake/internal/source"
	"klinelake/internal/store"
	"klinelake/internal/stream"
)

var _ gather.Gatherer = (*LiveGatherer)(nil)

// LiveOptions configures a LiveGatherer.
type LiveOptions struct {
	Interval domain.Interval
	Filter   source.SymbolFilter
	Policy   fetch.Policy
	Stream   stream.ManagerOptions
	Refresh  time.Duration // universe refresh period, default 1h
	Logger   *slog.Logger
}

// LiveGatherer streams closed candles of the whole universe into the api
// region and follows listing changes.
type LiveGatherer struct {
	src   source.MarketDataSource
	store store.CandleStore
	opts  LiveOptions
	log   *slog.Logger
}

// NewLiveGatherer creates a LiveGatherer.
func NewLiveGatherer(src source.MarketDataSource, s store.CandleStore, opts LiveOptions) *LiveGatherer {
	if opts.Interval.IsZero() {
		opts.Interval = domain.MustParseInterval("1m")
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = fetch.DefaultPolicy()
	}
	if opts.Refresh <= 0 {
		opts.Refresh = time.Hour
	}
	if opts.Stream.Base == "" {
		opts.Stream.Base = src.Profile().StreamBase
	}
	opts.Stream.Interval = opts.Interval
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = logger
	}
	return &LiveGatherer{
		src:   src,
		store: s,
		opts:  opts,
		log:   logger.With("gatherer", "live", "trade_type", string(src.Profile().Type)),
	}
}

// Name returns the gatherer identifier.
func (g *LiveGatherer) Name() string { return "live-" + string(g.src.Profile().Type) }

// Run streams until ctx is cancelled.
func (g *LiveGatherer) Run(ctx context.Context) error {
	symbols, err := Universe(ctx, g.src, g.opts.Filter, g.opts.Policy)
	if err != nil {
		return err
	}
	g.log.Info("starting live streams", "symbols", len(symbols), "shards", g.opts.Stream.Shards)

	mgr := stream.NewManager(g.opts.Stream, g.write)
	mgr.Start(ctx, symbols)
	defer mgr.Close()

	ticker := time.NewTicker(g.opts.Refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			symbols, err := Universe(ctx, g.src, g.opts.Filter, g.opts.Policy)
			if err != nil {
				g.log.Warn("universe refresh failed", "error", err)
				continue
			}
			mgr.SetSymbols(symbols)
		}
	}
}

// write stores one closed candle. Each symbol belongs to exactly one shard,
// so writes of a series are sequential.
func (g *LiveGatherer) write(ctx context.Context, symbol string, c domain.Candle) {
	key := candleKey(store.RegionAPI, g.src, symbol, g.opts.Interval.String())
	if err := g.store.WriteCandles(ctx, key, []domain.Candle{c}); err != nil && ctx.Err() == nil {
		g.log.Error("writing live candle failed", "symbol", symbol, "begin", c.BeginTime, "error", err)
	}
}
