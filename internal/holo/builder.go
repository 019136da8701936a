package holo

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"klinelake/internal/domain"
	"klinelake/internal/store"
)

// Store is the storage surface the Builder reads from and writes to.
type Store interface {
	store.CandleStore
	store.FundingStore
	store.HoloStore
}

// ResampleSpec is one higher-timeframe output of the Builder.
type ResampleSpec struct {
	Width      domain.Interval
	BaseOffset domain.Interval
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	TradeType   domain.TradeType
	Interval    domain.Interval
	Gap         GapOptions
	SplitPrefix string
	TradedOnly  bool
	Workers     int
	Resample    []ResampleSpec
	Logger      *slog.Logger
}

// Builder runs merge, gap detection, splitting, densification and
// resampling for whole symbols.
type Builder struct {
	store Store
	opts  BuilderOptions
	log   *slog.Logger
}

// BuildStats summarises one symbol build.
type BuildStats struct {
	Symbol   string
	Segments int
	Rows     int
}

// NewBuilder creates a Builder. Zero options take defaults, except
// Gap.MinPriceChange where 0 splits on every price move across a gap
// longer than Gap.MinGap.
func NewBuilder(s Store, opts BuilderOptions) *Builder {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Gap.MinGap <= 0 {
		opts.Gap.MinGap = 24 * time.Hour
	}
	if opts.SplitPrefix == "" {
		opts.SplitPrefix = "SP"
	}
	if opts.Interval.IsZero() {
		opts.Interval = domain.MustParseInterval("1m")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store: s,
		opts:  opts,
		log:   logger.With("component", "holo", "trade_type", string(opts.TradeType)),
	}
}

func (b *Builder) key(region store.Region, symbol, interval string) store.SeriesKey {
	return store.SeriesKey{Region: region, TradeType: b.opts.TradeType, Symbol: symbol, Interval: interval}
}

// Load merges the archive and api regions of symbol.
func (b *Builder) Load(ctx context.Context, symbol string) ([]domain.HoloCandle, error) {
	iv := b.opts.Interval.String()
	archive, err := b.store.ReadCandles(ctx, b.key(store.RegionArchive, symbol, iv))
	if err != nil {
		return nil, fmt.Errorf("reading archive candles: %w", err)
	}
	live, err := b.store.ReadCandles(ctx, b.key(store.RegionAPI, symbol, iv))
	if err != nil {
		return nil, fmt.Errorf("reading api candles: %w", err)
	}

	var funding []domain.FundingRecord
	if b.opts.TradeType.Profile().HasFunding {
		for _, region := range []store.Region{store.RegionArchive, store.RegionAPI} {
			recs, err := b.store.ReadFunding(ctx, b.key(region, symbol, store.FundingInterval))
			if err != nil {
				return nil, fmt.Errorf("reading %s funding: %w", region, err)
			}
			funding = append(funding, recs...)
		}
		if funding == nil {
			funding = []domain.FundingRecord{}
		}
	}

	return Merge(archive, live, funding, MergeOptions{TradeType: b.opts.TradeType, TradedOnly: b.opts.TradedOnly})
}

// Build rewrites the holo and resample output of one symbol.
func (b *Builder) Build(ctx context.Context, symbol string) (BuildStats, error) {
	stats := BuildStats{Symbol: symbol}
	merged, err := b.Load(ctx, symbol)
	if err != nil {
		return stats, err
	}

	gaps := DetectGaps(merged, b.opts.Gap)
	segments := Split(symbol, merged, gaps, b.opts.SplitPrefix)

	if err := b.removeStale(ctx, symbol); err != nil {
		return stats, err
	}

	step := b.opts.Interval.Duration()
	for _, seg := range segments {
		dense := Densify(seg.Candles, step)
		if err := b.store.WriteHolo(ctx, b.key(store.RegionHolo, seg.Name, b.opts.Interval.String()), dense); err != nil {
			return stats, err
		}
		if err := b.resample(ctx, seg.Name, dense); err != nil {
			return stats, err
		}
		stats.Segments++
		stats.Rows += len(dense)
	}

	b.log.Info("built holo series", "symbol", symbol, "gaps", len(gaps), "segments", stats.Segments, "rows", stats.Rows)
	return stats, nil
}

func (b *Builder) resample(ctx context.Context, name string, dense []domain.HoloCandle) error {
	step := b.opts.Interval.Duration()
	for _, spec := range b.opts.Resample {
		series, err := ResampleOffsets(dense, step, spec.Width, spec.BaseOffset)
		if err != nil {
			return fmt.Errorf("resampling %s to %s: %w", name, spec.Width, err)
		}
		for offset, rows := range series {
			key := b.key(store.RegionResample, name, ResampleKey(spec.Width, offset))
			if err := b.store.WriteResampled(ctx, key, rows); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResampleKey names the interval directory of a resampled series, e.g.
// "1h_15m".
func ResampleKey(width domain.Interval, offset string) string {
	return width.String() + "_" + offset
}

// removeStale deletes every holo and resample series of symbol and its
// earlier split segments.
func (b *Builder) removeStale(ctx context.Context, symbol string) error {
	for _, region := range []store.Region{store.RegionHolo, store.RegionResample} {
		names, err := b.store.ListSymbols(ctx, region, b.opts.TradeType)
		if err != nil {
			return err
		}
		for _, name := range names {
			if !IsSegmentOf(name, symbol, b.opts.SplitPrefix) {
				continue
			}
			if err := b.store.RemoveSeries(ctx, b.key(region, name, "")); err != nil {
				return fmt.Errorf("removing %s/%s: %w", region, name, err)
			}
		}
	}
	return nil
}

// BuildAll builds every symbol on a bounded worker pool. A failing symbol
// is logged and never aborts its siblings; the returned map holds the
// failures.
func (b *Builder) BuildAll(ctx context.Context, symbols []string) map[string]error {
	errs := make([]error, len(symbols))

	var g errgroup.Group
	g.SetLimit(b.opts.Workers)
	for i, symbol := range symbols {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			if _, err := b.Build(ctx, symbol); err != nil {
				b.log.Error("holo build failed", "symbol", symbol, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := make(map[string]error)
	for i, err := range errs {
		if err != nil {
			failed[symbols[i]] = err
		}
	}
	return failed
}

// Symbols returns every symbol present in the archive or api region.
func (b *Builder) Symbols(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, region := range []store.Region{store.RegionArchive, store.RegionAPI} {
		names, err := b.store.ListSymbols(ctx, region, b.opts.TradeType)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
