package fetch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"klinelake/internal/domain"
	"klinelake/internal/source"
	"klinelake/internal/store"
	"klinelake/internal/util"
)

// FundingPageLimit is the funding rows requested per call.
const FundingPageLimit = 1000

// CursorStore persists backfill cursors between runs.
type CursorStore interface {
	Cursor(ctx context.Context, tradeType, symbol, interval string) (store.Cursor, bool, error)
	SaveCursor(ctx context.Context, tradeType, symbol, interval string, c store.Cursor) error
}

// Options configures a Scheduler. Zero values take defaults.
type Options struct {
	BatchSize       int
	WeightThreshold float64
	Policy          Policy
	Cursors         CursorStore // required for Backfill
	Logger          *slog.Logger

	// Sleep waits for d; tests replace it to observe admission control.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Scheduler dispatches fetch tasks in batches under the source's weight
// budget. It is safe for concurrent use.
type Scheduler struct {
	src       source.MarketDataSource
	batchSize int
	threshold float64
	policy    Policy
	cursors   CursorStore
	sleep     func(ctx context.Context, d time.Duration) error
	log       *slog.Logger
}

// New creates a Scheduler for src.
func New(src source.MarketDataSource, opts Options) *Scheduler {
	s := &Scheduler{
		src:       src,
		batchSize: opts.BatchSize,
		threshold: opts.WeightThreshold,
		policy:    opts.Policy,
		cursors:   opts.Cursors,
		sleep:     opts.Sleep,
		log:       opts.Logger,
	}
	if s.batchSize <= 0 {
		s.batchSize = 40
	}
	if s.threshold <= 0 {
		s.threshold = 0.9
	}
	if s.policy.MaxAttempts <= 0 {
		s.policy = DefaultPolicy()
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "fetch", "trade_type", string(src.Profile().Type))
	return s
}

// runBatched runs fn over tasks in batches of s.batchSize. Each batch is
// admitted against the weight budget, then dispatched concurrently. Results
// are returned in task order. A failed admission marks the remaining tasks
// Fatal.
func runBatched[In, Out any](ctx context.Context, s *Scheduler, tasks []In, fn func(context.Context, In) Result[Out]) []Result[Out] {
	results := make([]Result[Out], len(tasks))
	for lo := 0; lo < len(tasks); lo += s.batchSize {
		hi := min(lo+s.batchSize, len(tasks))

		if err := s.admit(ctx); err != nil {
			for i := lo; i < len(tasks); i++ {
				results[i] = Result[Out]{Kind: Fatal, Err: err}
			}
			return results
		}
		metricBatches.Inc()

		// Failures are per task; one failing task never cancels its siblings.
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				results[i] = fn(ctx, tasks[i])
				return nil
			})
		}
		_ = g.Wait()

		s.log.Debug("batch done", "from", lo, "to", hi, "total", len(tasks))
	}
	return results
}

func record[T any](op string, r Result[T]) Result[T] {
	metricCalls.WithLabelValues(op, r.Kind.String()).Inc()
	return r
}

// ---------------------------------------------------------------------------
// Day fetch
// ---------------------------------------------------------------------------

// DayTask requests every candle of one UTC day.
type DayTask struct {
	Symbol   string
	Interval domain.Interval
	Day      time.Time
}

// FetchDays runs DayKlines for every task. An Ok result with no candles
// means the source holds nothing for that day.
func (s *Scheduler) FetchDays(ctx context.Context, tasks []DayTask) []Result[[]domain.Candle] {
	return runBatched(ctx, s, tasks, s.DayKlines)
}

// DayKlines returns the candles in [day, day+1d), deduplicated and sorted.
// A day that needs more rows than one call returns is fetched in two
// requests split at noon.
func (s *Scheduler) DayKlines(ctx context.Context, t DayTask) Result[[]domain.Candle] {
	maxRows := s.src.Profile().MaxRowsPerCall
	day := util.Day(t.Day)
	next := day.AddDate(0, 0, 1)
	end := next.Add(-time.Millisecond)

	windows := []source.KlineQuery{{Start: day, End: end, Limit: maxRows}}
	if t.Interval.RowsPerDay() > maxRows {
		noon := day.Add(12 * time.Hour)
		windows = []source.KlineQuery{
			{Start: day, End: noon, Limit: maxRows},
			{Start: noon, End: end, Limit: maxRows},
		}
	}

	var all []domain.Candle
	for _, q := range windows {
		res := record("day_klines", Call(ctx, s.policy, func(ctx context.Context) ([]domain.Candle, error) {
			return s.src.Klines(ctx, t.Symbol, t.Interval, q)
		}))
		if res.Kind != Ok {
			return Result[[]domain.Candle]{Kind: res.Kind, Err: res.Err}
		}
		all = append(all, res.Value...)
	}
	return Result[[]domain.Candle]{Kind: Ok, Value: clipCandles(all, day, next)}
}

// clipCandles dedups candles (last wins), sorts them and keeps [start, end).
func clipCandles(candles []domain.Candle, start, end time.Time) []domain.Candle {
	deduped := util.DedupLast(candles, func(c domain.Candle) int64 { return c.BeginTime.UnixMilli() })
	out := deduped[:0]
	for _, c := range deduped {
		if !c.BeginTime.Before(start) && c.BeginTime.Before(end) {
			out = append(out, c)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Funding
// ---------------------------------------------------------------------------

// FundingTask requests funding records of one symbol from Start onwards.
type FundingTask struct {
	Symbol string
	Start  time.Time
}

// FetchFunding pages through the funding history of every task.
func (s *Scheduler) FetchFunding(ctx context.Context, tasks []FundingTask) []Result[[]domain.FundingRecord] {
	return runBatched(ctx, s, tasks, s.Funding)
}

// Funding returns all funding records from t.Start, requesting
// FundingPageLimit rows per call until a short page.
func (s *Scheduler) Funding(ctx context.Context, t FundingTask) Result[[]domain.FundingRecord] {
	var all []domain.FundingRecord
	start := t.Start
	for {
		res := record("funding", Call(ctx, s.policy, func(ctx context.Context) ([]domain.FundingRecord, error) {
			return s.src.FundingRates(ctx, t.Symbol, start, FundingPageLimit)
		}))
		if res.Kind == NoData && len(all) > 0 {
			break
		}
		if res.Kind != Ok {
			return Result[[]domain.FundingRecord]{Kind: res.Kind, Err: res.Err}
		}
		all = append(all, res.Value...)
		if len(res.Value) < FundingPageLimit {
			break
		}
		start = res.Value[len(res.Value)-1].FundingTime.Add(time.Millisecond)
	}
	all = util.DedupLast(all, func(r domain.FundingRecord) int64 { return r.BeginTime.UnixMilli() })
	return Result[[]domain.FundingRecord]{Kind: Ok, Value: all}
}
