package binance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"klinelake/internal/domain"
	"klinelake/internal/fetch"
	"klinelake/internal/gather"
	"klinelake/internal/source"
	"klinelake/internal/store"
	"klinelake/internal/util"
)

var _ gather.Gatherer = (*UpdateGatherer)(nil)

// NoDataIndex remembers API days known to hold no candles.
type NoDataIndex interface {
	NoDataDays(ctx context.Context, tradeType, symbol, interval string) (map[string]struct{}, error)
	MarkNoData(ctx context.Context, tradeType, symbol, interval string, day time.Time) error
}

// UpdateOptions configures an UpdateGatherer.
type UpdateOptions struct {
	Interval       domain.Interval
	Filter         source.SymbolFilter
	Policy         fetch.Policy
	BackfillTarget int    // rows fetched for symbols with no history
	Cron           string // cron spec with seconds
	Now            func() time.Time
	Logger         *slog.Logger
}

// UpdateGatherer completes the lake from the REST API after the archive
// coverage: whole missing days up to yesterday, the closed candles of today,
// a backward backfill for new listings and funding rates.
type UpdateGatherer struct {
	src    source.MarketDataSource
	sched  *fetch.Scheduler
	store  Store
	nodata NoDataIndex
	opts   UpdateOptions
	log    *slog.Logger
}

// UpdateStats summarises one update cycle.
type UpdateStats struct {
	Run        string
	Symbols    int
	Days       int // day requests issued
	Written    int // days written
	Empty      int // days recorded as holding no data
	Backfilled int // symbols backfilled
	Failed     int // symbols whose completion stopped on an error
	Funding    int // funding records written
}

// NewUpdateGatherer creates an UpdateGatherer.
func NewUpdateGatherer(src source.MarketDataSource, sched *fetch.Scheduler, s Store, nodata NoDataIndex, opts UpdateOptions) *UpdateGatherer {
	if opts.Interval.IsZero() {
		opts.Interval = domain.MustParseInterval("1m")
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = fetch.DefaultPolicy()
	}
	if opts.BackfillTarget <= 0 {
		opts.BackfillTarget = 1500
	}
	if opts.Cron == "" {
		opts.Cron = "30 */5 * * * *"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateGatherer{
		src:    src,
		sched:  sched,
		store:  s,
		nodata: nodata,
		opts:   opts,
		log:    logger.With("gatherer", "update", "trade_type", string(src.Profile().Type)),
	}
}

// Name returns the gatherer identifier.
func (g *UpdateGatherer) Name() string { return "update-" + string(g.src.Profile().Type) }

// Run executes RunOnce on the cron schedule until ctx is cancelled. A cycle
// still running when the next one is due makes that one skip.
func (g *UpdateGatherer) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(g.opts.Cron, func() {
		if _, err := g.RunOnce(ctx); err != nil && ctx.Err() == nil {
			g.log.Error("update cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("parsing cron spec %q: %w", g.opts.Cron, err)
	}

	g.log.Info("update scheduler started", "cron", g.opts.Cron)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce runs one update cycle.
func (g *UpdateGatherer) RunOnce(ctx context.Context) (UpdateStats, error) {
	stats := UpdateStats{Run: uuid.NewString()}
	log := g.log.With("run", stats.Run)
	start := time.Now()

	now := g.opts.Now().UTC()
	today := util.Day(now)
	iv := g.opts.Interval

	// 1. Resolve the universe.
	symbols, err := Universe(ctx, g.src, g.opts.Filter, g.opts.Policy)
	if err != nil {
		return stats, err
	}
	stats.Symbols = len(symbols)

	// 2. Plan missing days after the stored coverage.
	var (
		tasks []fetch.DayTask
		fresh []string
	)
	for _, sym := range symbols {
		last, ok, err := g.coverage(ctx, sym)
		if err != nil {
			return stats, err
		}
		if !ok {
			fresh = append(fresh, sym)
			continue
		}
		empty, err := g.nodata.NoDataDays(ctx, string(g.src.Profile().Type), sym, iv.String())
		if err != nil {
			return stats, err
		}
		missing := gather.DateRange{Start: util.Day(last.Add(iv.Duration())), End: today}
		for _, day := range missing.Days() {
			if _, skip := empty[day.Format(time.DateOnly)]; skip {
				continue
			}
			tasks = append(tasks, fetch.DayTask{Symbol: sym, Interval: iv, Day: day})
		}
	}
	stats.Days = len(tasks)
	log.Info("update planned", "symbols", len(symbols), "days", len(tasks), "new", len(fresh))

	// 3. Fetch every day, then apply per symbol in day order. A symbol stops
	// at its first failed day so that no hole is left behind its coverage.
	broken := make(map[string]bool)
	for i, res := range g.sched.FetchDays(ctx, tasks) {
		t := tasks[i]
		if broken[t.Symbol] {
			continue
		}
		switch {
		case res.Kind == fetch.NoData || (res.Kind == fetch.Ok && len(res.Value) == 0):
			if err := g.nodata.MarkNoData(ctx, string(g.src.Profile().Type), t.Symbol, iv.String(), t.Day); err != nil {
				return stats, err
			}
			stats.Empty++
		case res.Kind == fetch.Ok:
			if err := g.store.WriteCandles(ctx, g.apiKey(t.Symbol), res.Value); err != nil {
				return stats, err
			}
			stats.Written++
		default:
			broken[t.Symbol] = true
			stats.Failed++
			log.Warn("day fetch failed", "symbol", t.Symbol, "day", t.Day.Format(time.DateOnly), "kind", res.Kind.String(), "error", res.Err)
		}
	}

	// 4. Backfill new listings from their newest candle backwards. The first
	// page ends at the open candle, which is not stored.
	if len(fresh) > 0 {
		results := g.sched.Backfill(ctx, fresh, iv, g.opts.BackfillTarget, func(ctx context.Context, sym string, page []domain.Candle) error {
			closed := closedCandles(page, iv, now)
			if len(closed) == 0 {
				return nil
			}
			return g.store.WriteCandles(ctx, g.apiKey(sym), closed)
		})
		for i, res := range results {
			if res.Kind == fetch.Ok || res.Kind == fetch.NoData {
				stats.Backfilled++
				continue
			}
			broken[fresh[i]] = true
			stats.Failed++
			log.Warn("backfill failed", "symbol", fresh[i], "kind", res.Kind.String(), "error", res.Err)
		}
	}

	// 5. Closed candles of today.
	var (
		current []string
		todays  []fetch.DayTask
	)
	for _, sym := range symbols {
		if !broken[sym] {
			current = append(current, sym)
			todays = append(todays, fetch.DayTask{Symbol: sym, Interval: iv, Day: today})
		}
	}
	for i, res := range g.sched.FetchDays(ctx, todays) {
		if res.Kind != fetch.Ok {
			log.Debug("today's candles unavailable", "symbol", current[i], "kind", res.Kind.String(), "error", res.Err)
			continue
		}
		closed := closedCandles(res.Value, iv, now)
		if len(closed) == 0 {
			continue
		}
		if err := g.store.WriteCandles(ctx, g.apiKey(current[i]), closed); err != nil {
			return stats, err
		}
	}

	// 6. Funding rates.
	if g.src.Profile().HasFunding {
		n, err := g.updateFunding(ctx, log, current)
		if err != nil {
			return stats, err
		}
		stats.Funding = n
	}

	log.Info("update done",
		"written", stats.Written,
		"empty", stats.Empty,
		"backfilled", stats.Backfilled,
		"failed", stats.Failed,
		"funding", stats.Funding,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return stats, ctx.Err()
}

func (g *UpdateGatherer) apiKey(symbol string) store.SeriesKey {
	return candleKey(store.RegionAPI, g.src, symbol, g.opts.Interval.String())
}

// coverage returns the newest stored begin time of symbol across the archive
// and api regions.
func (g *UpdateGatherer) coverage(ctx context.Context, symbol string) (time.Time, bool, error) {
	var (
		last  time.Time
		found bool
	)
	for _, region := range []store.Region{store.RegionArchive, store.RegionAPI} {
		t, ok, err := g.store.LastBegin(ctx, candleKey(region, g.src, symbol, g.opts.Interval.String()))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("coverage of %s in %s: %w", symbol, region, err)
		}
		if ok && t.After(last) {
			last, found = t, true
		}
	}
	return last, found, nil
}

func (g *UpdateGatherer) updateFunding(ctx context.Context, log *slog.Logger, symbols []string) (int, error) {
	tasks := make([]fetch.FundingTask, 0, len(symbols))
	for _, sym := range symbols {
		var start time.Time
		for _, region := range []store.Region{store.RegionArchive, store.RegionAPI} {
			recs, err := g.store.ReadFunding(ctx, candleKey(region, g.src, sym, store.FundingInterval))
			if err != nil {
				return 0, err
			}
			if n := len(recs); n > 0 && !recs[n-1].FundingTime.Before(start) {
				start = recs[n-1].FundingTime.Add(time.Millisecond)
			}
		}
		tasks = append(tasks, fetch.FundingTask{Symbol: sym, Start: start})
	}

	written := 0
	for i, res := range g.sched.FetchFunding(ctx, tasks) {
		if res.Kind != fetch.Ok {
			if res.Kind != fetch.NoData {
				log.Warn("funding fetch failed", "symbol", tasks[i].Symbol, "kind", res.Kind.String(), "error", res.Err)
			}
			continue
		}
		if len(res.Value) == 0 {
			continue
		}
		if err := g.store.WriteFunding(ctx, candleKey(store.RegionAPI, g.src, tasks[i].Symbol, store.FundingInterval), res.Value); err != nil {
			return written, err
		}
		written += len(res.Value)
	}
	return written, nil
}

// closedCandles drops candles whose bucket has not ended at now.
func closedCandles(candles []domain.Candle, iv domain.Interval, now time.Time) []domain.Candle {
	out := candles[:0:0]
	for _, c := range candles {
		if !c.BeginTime.Add(iv.Duration()).After(now) {
			out = append(out, c)
		}
	}
	return out
}
