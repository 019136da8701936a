package fetch

import (
	"context"
	"fmt"
	"time"

	"klinelake/internal/domain"
	"klinelake/internal/source"
	"klinelake/internal/store"
	"klinelake/internal/util"
)

// PageFunc receives every backfilled page before the cursor advances.
type PageFunc func(ctx context.Context, symbol string, candles []domain.Candle) error

// Backfill paginates backwards from the newest candle of every symbol until
// target rows have been fetched, the source returns a short page, or the
// symbol has no data. Cursors are loaded from and saved to the scheduler's
// CursorStore after every page, so an interrupted backfill resumes.
//
// Each round requests one page per unfinished symbol, so every page is
// admitted against the weight budget.
func (s *Scheduler) Backfill(ctx context.Context, symbols []string, interval domain.Interval, target int, onPage PageFunc) []Result[store.Cursor] {
	results := make([]Result[store.Cursor], len(symbols))
	if s.cursors == nil {
		for i := range results {
			results[i] = Result[store.Cursor]{Kind: Fatal, Err: fmt.Errorf("backfill: no cursor store")}
		}
		return results
	}

	tradeType := string(s.src.Profile().Type)
	states := make([]*backfillState, len(symbols))
	var active []*backfillState
	for i, sym := range symbols {
		c, _, err := s.cursors.Cursor(ctx, tradeType, sym, interval.String())
		st := &backfillState{symbol: sym, cursor: c}
		states[i] = st
		switch {
		case err != nil:
			st.finish(Result[store.Cursor]{Kind: Fatal, Err: err})
		case c.Exhausted || c.Count >= target:
			st.finish(Result[store.Cursor]{Kind: Ok, Value: c})
		default:
			active = append(active, st)
		}
	}

	for len(active) > 0 && ctx.Err() == nil {
		runBatched(ctx, s, active, func(ctx context.Context, st *backfillState) Result[struct{}] {
			s.backfillPage(ctx, st, interval, target, onPage)
			return Result[struct{}]{}
		})

		next := active[:0]
		for _, st := range active {
			if !st.done {
				next = append(next, st)
			}
		}
		active = next
	}

	for i, st := range states {
		if !st.done {
			st.result = Result[store.Cursor]{Kind: Fatal, Err: ctx.Err()}
		}
		results[i] = st.result
	}
	return results
}

type backfillState struct {
	symbol string
	cursor store.Cursor
	done   bool
	result Result[store.Cursor]
}

func (s *Scheduler) backfillPage(ctx context.Context, st *backfillState, interval domain.Interval, target int, onPage PageFunc) {
	limit := min(target-st.cursor.Count, s.src.Profile().MaxRowsPerCall)
	q := source.KlineQuery{Limit: limit}
	if !st.cursor.Oldest.IsZero() {
		q.End = st.cursor.Oldest.Add(-time.Millisecond)
	}

	res := record("backfill", Call(ctx, s.policy, func(ctx context.Context) ([]domain.Candle, error) {
		return s.src.Klines(ctx, st.symbol, interval, q)
	}))
	switch res.Kind {
	case NoData:
		st.cursor.Exhausted = true
	case Ok:
		page := util.DedupLast(res.Value, func(c domain.Candle) int64 { return c.BeginTime.UnixMilli() })
		if len(page) > 0 {
			if err := onPage(ctx, st.symbol, page); err != nil {
				st.finish(Result[store.Cursor]{Kind: Fatal, Err: fmt.Errorf("storing page of %s: %w", st.symbol, err)})
				return
			}
			st.cursor.Oldest = page[0].BeginTime
			st.cursor.Count += len(page)
		}
		if len(res.Value) < limit {
			st.cursor.Exhausted = true
		}
	default:
		st.finish(Result[store.Cursor]{Kind: res.Kind, Err: res.Err})
		return
	}

	tradeType := string(s.src.Profile().Type)
	if err := s.cursors.SaveCursor(ctx, tradeType, st.symbol, interval.String(), st.cursor); err != nil {
		st.finish(Result[store.Cursor]{Kind: Fatal, Err: fmt.Errorf("saving cursor of %s: %w", st.symbol, err)})
		return
	}
	if st.cursor.Exhausted || st.cursor.Count >= target {
		st.finish(Result[store.Cursor]{Kind: Ok, Value: st.cursor})
	}
}

func (st *backfillState) finish(r Result[store.Cursor]) {
	st.done = true
	st.result = r
}
