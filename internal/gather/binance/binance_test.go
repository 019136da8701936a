package binance

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zip"

	"klinelake/internal/archive"
	"klinelake/internal/domain"
	"klinelake/internal/fetch"
	"klinelake/internal/source"
	"klinelake/internal/store"
	"klinelake/internal/stream"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeSource serves a minute series in [first, last] and funding every 8h
// for every symbol not listed as invalid.
type fakeSource struct {
	profile domain.Profile
	infos   []source.SymbolInfo
	first   time.Time
	last    time.Time
	invalid map[string]bool

	mu         sync.Mutex
	dayQueries map[string]int // Klines calls with a start time, per symbol
}

func (f *fakeSource) Profile() domain.Profile { return f.profile }

func (f *fakeSource) TimeAndWeight(context.Context) (time.Time, int, error) {
	return f.last, 0, nil
}

func (f *fakeSource) ExchangeInfo(context.Context) ([]source.SymbolInfo, error) {
	return f.infos, nil
}

func (f *fakeSource) Klines(_ context.Context, symbol string, interval domain.Interval, q source.KlineQuery) ([]domain.Candle, error) {
	if !q.Start.IsZero() {
		f.mu.Lock()
		if f.dayQueries == nil {
			f.dayQueries = make(map[string]int)
		}
		f.dayQueries[symbol]++
		f.mu.Unlock()
	}
	if f.invalid[symbol] {
		return nil, &source.APIError{Status: 400, Code: source.CodeInvalidSymbol, Msg: "Invalid symbol."}
	}

	step := interval.Duration()
	lo, hi := f.first, f.last
	if !q.Start.IsZero() && q.Start.After(lo) {
		lo = q.Start
	}
	if !q.End.IsZero() && q.End.Before(hi) {
		hi = q.End
	}
	var out []domain.Candle
	for t := lo; !t.After(hi); t = t.Add(step) {
		out = append(out, domain.Candle{BeginTime: t, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		if q.Start.IsZero() {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

func (f *fakeSource) FundingRates(_ context.Context, symbol string, start time.Time, limit int) ([]domain.FundingRecord, error) {
	if f.invalid[symbol] {
		return nil, &source.APIError{Status: 400, Code: source.CodeInvalidSymbol, Msg: "Invalid symbol."}
	}
	var out []domain.FundingRecord
	for t := f.first; !t.After(f.last) && len(out) < limit; t = t.Add(8 * time.Hour) {
		if t.Before(start) {
			continue
		}
		out = append(out, domain.NewFundingRecord(t, 0.0001))
	}
	return out, nil
}

func openManifest(t *testing.T) *store.Manifest {
	t.Helper()
	m, err := store.OpenManifest(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func fullDay(day time.Time) []domain.Candle {
	out := make([]domain.Candle, 1440)
	for i := range out {
		out[i] = domain.Candle{BeginTime: day.Add(time.Duration(i) * time.Minute), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdateRunOnce(t *testing.T) {
	ctx := context.Background()
	now := day0.AddDate(0, 0, 3).Add(10 * time.Hour)
	src := &fakeSource{
		profile: domain.UMFutures.Profile(),
		infos: []source.SymbolInfo{
			{Symbol: "AAAUSDT", Status: "TRADING", QuoteAsset: "USDT"},
			{Symbol: "BBBUSDT", Status: "TRADING", QuoteAsset: "USDT"},
			{Symbol: "CCCUSDT", Status: "BREAK", QuoteAsset: "USDT"},
			{Symbol: "DDDUSDT", Status: "TRADING", QuoteAsset: "USDT"},
		},
		first:   day0.AddDate(0, 0, -10),
		last:    now,
		invalid: map[string]bool{"DDDUSDT": true},
	}
	ps := store.NewParquetStore(t.TempDir())
	manifest := openManifest(t)

	for _, sym := range []string{"AAAUSDT", "DDDUSDT"} {
		key := store.SeriesKey{Region: store.RegionArchive, TradeType: domain.UMFutures, Symbol: sym, Interval: "1m"}
		if err := ps.WriteCandles(ctx, key, fullDay(day0)); err != nil {
			t.Fatal(err)
		}
	}

	policy := fetch.Policy{MaxAttempts: 1, Timeout: time.Second}
	sched := fetch.New(src, fetch.Options{Policy: policy, Cursors: manifest, Sleep: noSleep})
	g := NewUpdateGatherer(src, sched, ps, manifest, UpdateOptions{
		Filter:         source.SymbolFilter{QuoteAsset: "USDT"},
		Policy:         policy,
		BackfillTarget: 100,
		Now:            func() time.Time { return now },
	})

	stats, err := g.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Run == "" {
		t.Error("run id is empty")
	}
	want := UpdateStats{Run: stats.Run, Symbols: 3, Days: 4, Written: 2, Empty: 2, Backfilled: 1, Funding: 82}
	if stats != want {
		t.Errorf("stats:\n  got  %+v\n  want %+v", stats, want)
	}

	apiKey := store.SeriesKey{Region: store.RegionAPI, TradeType: domain.UMFutures, Symbol: "AAAUSDT", Interval: "1m"}
	got, err := ps.ReadCandles(ctx, apiKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2*1440+600 {
		t.Errorf("AAAUSDT api rows = %d, want %d", len(got), 2*1440+600)
	}
	if last := got[len(got)-1].BeginTime; !last.Equal(now.Add(-time.Minute)) {
		t.Errorf("newest api candle = %v, want the last closed minute %v", last, now.Add(-time.Minute))
	}

	backfilled, err := ps.ReadCandles(ctx, store.SeriesKey{Region: store.RegionAPI, TradeType: domain.UMFutures, Symbol: "BBBUSDT", Interval: "1m"})
	if err != nil || len(backfilled) < 100 {
		t.Errorf("BBBUSDT api rows = %d err = %v, want at least 100", len(backfilled), err)
	}

	funding, err := ps.ReadFunding(ctx, store.SeriesKey{Region: store.RegionAPI, TradeType: domain.UMFutures, Symbol: "AAAUSDT"})
	if err != nil || len(funding) != 41 {
		t.Errorf("AAAUSDT funding = %d err = %v, want 41", len(funding), err)
	}

	empty, err := manifest.NoDataDays(ctx, "um_futures", "DDDUSDT", "1m")
	if err != nil || len(empty) != 2 {
		t.Errorf("DDDUSDT no-data days = %v err = %v, want 2", empty, err)
	}

	// A second cycle at the same instant has nothing to complete.
	src.dayQueries = nil
	stats, err = g.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if stats.Days != 0 || stats.Funding != 0 || stats.Backfilled != 0 {
		t.Errorf("second run stats = %+v, want no work", stats)
	}
	// Only today's refresh is requested again.
	for _, sym := range []string{"AAAUSDT", "BBBUSDT", "DDDUSDT"} {
		if n := src.dayQueries[sym]; n != 1 {
			t.Errorf("second run issued %d day requests for %s, want 1", n, sym)
		}
	}
}

func TestUpdateBackfillSkipsOpenCandle(t *testing.T) {
	ctx := context.Background()
	now := day0.Add(10*time.Hour + 30*time.Second)
	src := &fakeSource{
		profile: domain.UMFutures.Profile(),
		infos:   []source.SymbolInfo{{Symbol: "EEEUSDT", Status: "TRADING", QuoteAsset: "USDT"}},
		first:   day0.AddDate(0, 0, -1),
		last:    day0.Add(10 * time.Hour),
	}
	ps := store.NewParquetStore(t.TempDir())
	manifest := openManifest(t)

	policy := fetch.Policy{MaxAttempts: 1, Timeout: time.Second}
	sched := fetch.New(src, fetch.Options{Policy: policy, Cursors: manifest, Sleep: noSleep})
	g := NewUpdateGatherer(src, sched, ps, manifest, UpdateOptions{
		Filter:         source.SymbolFilter{QuoteAsset: "USDT"},
		Policy:         policy,
		BackfillTarget: 100,
		Now:            func() time.Time { return now },
	})
	stats, err := g.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Backfilled != 1 {
		t.Fatalf("stats = %+v, want one backfilled symbol", stats)
	}

	got, err := ps.ReadCandles(ctx, store.SeriesKey{Region: store.RegionAPI, TradeType: domain.UMFutures, Symbol: "EEEUSDT", Interval: "1m"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("no candles stored")
	}
	for _, c := range got {
		if c.BeginTime.Add(time.Minute).After(now) {
			t.Fatalf("candle %v still open at %v was stored", c.BeginTime, now)
		}
	}
	if newest := got[len(got)-1].BeginTime; !newest.Equal(day0.Add(10*time.Hour - time.Minute)) {
		t.Errorf("newest candle = %v, want %v", newest, day0.Add(10*time.Hour-time.Minute))
	}
}

func TestUpdateFetchesWholeToday(t *testing.T) {
	ctx := context.Background()
	today := day0.AddDate(0, 0, 1)
	now := today.Add(23*time.Hour + 30*time.Minute)
	src := &fakeSource{
		profile: domain.Spot.Profile(),
		infos:   []source.SymbolInfo{{Symbol: "AAAUSDT", Status: "TRADING", QuoteAsset: "USDT"}},
		first:   day0,
		last:    now,
	}
	ps := store.NewParquetStore(t.TempDir())
	manifest := openManifest(t)
	archiveKey := store.SeriesKey{Region: store.RegionArchive, TradeType: domain.Spot, Symbol: "AAAUSDT", Interval: "1m"}
	if err := ps.WriteCandles(ctx, archiveKey, fullDay(day0)); err != nil {
		t.Fatal(err)
	}

	policy := fetch.Policy{MaxAttempts: 1, Timeout: time.Second}
	sched := fetch.New(src, fetch.Options{Policy: policy, Cursors: manifest, Sleep: noSleep})
	g := NewUpdateGatherer(src, sched, ps, manifest, UpdateOptions{
		Filter: source.SymbolFilter{QuoteAsset: "USDT"},
		Policy: policy,
		Now:    func() time.Time { return now },
	})
	if _, err := g.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := ps.ReadCandles(ctx, store.SeriesKey{Region: store.RegionAPI, TradeType: domain.Spot, Symbol: "AAAUSDT", Interval: "1m"})
	if err != nil {
		t.Fatal(err)
	}
	// Every closed minute of today, more rows than one spot request returns.
	if want := 23*60 + 30; len(got) != want {
		t.Fatalf("today's rows = %d, want %d", len(got), want)
	}
	if !got[0].BeginTime.Equal(today) || !got[len(got)-1].BeginTime.Equal(now.Add(-time.Minute)) {
		t.Errorf("rows span %v..%v, want %v..%v", got[0].BeginTime, got[len(got)-1].BeginTime, today, now.Add(-time.Minute))
	}
}

func TestClosedCandles(t *testing.T) {
	iv := domain.MustParseInterval("1m")
	now := day0.Add(10 * time.Minute)
	in := []domain.Candle{{BeginTime: now.Add(-2 * time.Minute)}, {BeginTime: now.Add(-time.Minute)}, {BeginTime: now}}
	out := closedCandles(in, iv, now)
	if len(out) != 2 {
		t.Errorf("closed = %d, want 2", len(out))
	}
	if len(in) != 3 || !in[2].BeginTime.Equal(now) {
		t.Error("input slice was modified")
	}
}

// ---------------------------------------------------------------------------
// Archive
// ---------------------------------------------------------------------------

type fakeLister struct {
	files map[string][]string // symbol -> file names in the klines monthly dir
}

func (l fakeLister) ListSymbols(_ context.Context, d archive.Dir) ([]string, error) {
	if d.Type != archive.Klines || d.Freq != archive.Monthly {
		return nil, nil
	}
	return []string{"BTCUSDT", "ETHBTC"}, nil
}

func (l fakeLister) ListFiles(_ context.Context, d archive.Dir, symbol string) ([]string, error) {
	var keys []string
	for _, name := range l.files[symbol] {
		keys = append(keys, d.Symbol(symbol)+"/"+name, d.Symbol(symbol)+"/"+name+".CHECKSUM")
	}
	return keys, nil
}

// fakeDownloader serves file bodies keyed by URL.
type fakeDownloader struct {
	bodies map[string][]byte
	mu     sync.Mutex
	urls   []string
}

func (d *fakeDownloader) Download(_ context.Context, jobs []archive.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range jobs {
		d.urls = append(d.urls, j.URL)
		body, ok := d.bodies[j.URL]
		if !ok {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(j.Path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(j.Path, body, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func zipCSV(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func checksum(body []byte, name string) []byte {
	return []byte(fmt.Sprintf("%x  %s\n", sha256.Sum256(body), name))
}

func TestArchiveSyncDir(t *testing.T) {
	ctx := context.Background()
	const prefix = "https://archive.test"
	tt := domain.UMFutures
	iv := domain.MustParseInterval("1m")
	dir := archive.Dir{TradeType: tt, Freq: archive.Monthly, Type: archive.Klines, Interval: iv}

	good := "BTCUSDT-1m-2024-03.zip"
	bad := "BTCUSDT-1m-2024-04.zip"
	start := day0.UnixMilli()
	csv := "open_time,open,high,low,close,volume,close_time,quote_volume,count,taker_buy_volume,taker_buy_quote_volume,ignore\n" +
		fmt.Sprintf("%d,1,2,0.5,1.5,10,%d,15,5,4,6,0\n", start, start+59999) +
		fmt.Sprintf("%d,1.5,2,1,1.8,20,%d,30,6,8,12,0\n", start+60000, start+119999)
	goodBody := zipCSV(t, "BTCUSDT-1m-2024-03.csv", csv)
	badBody := []byte("not a zip")

	base := prefix + "/" + dir.Symbol("BTCUSDT") + "/"
	dl := &fakeDownloader{bodies: map[string][]byte{
		base + good:               goodBody,
		base + good + ".CHECKSUM": checksum(goodBody, good),
		base + bad:                badBody,
		base + bad + ".CHECKSUM":  checksum(badBody, bad),
	}}

	rawDir := t.TempDir()
	ps := store.NewParquetStore(t.TempDir())
	manifest := openManifest(t)
	g := NewArchiveGatherer(
		fakeLister{files: map[string][]string{"BTCUSDT": {good, bad}, "ETHBTC": {"ETHBTC-1m-2024-03.zip"}}},
		&archive.Fetcher{Downloader: dl, MaxTries: 1},
		ps, manifest,
		ArchiveOptions{TradeType: tt, Interval: iv, Filter: source.SymbolFilter{QuoteAsset: "USDT"}, DataPrefix: prefix + "/", RawDir: rawDir},
	)

	if n := len(g.Dirs()); n != 3 {
		t.Errorf("Dirs = %d, want 3 for futures", n)
	}

	if err := g.SyncDir(ctx, dir); err != nil {
		t.Fatalf("SyncDir: %v", err)
	}
	for _, u := range dl.urls {
		if strings.Contains(u, "ETHBTC") {
			t.Errorf("filtered symbol downloaded: %s", u)
		}
	}

	key := store.SeriesKey{Region: store.RegionArchive, TradeType: tt, Symbol: "BTCUSDT", Interval: "1m"}
	candles, err := ps.ReadCandles(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 || candles[1].Close != 1.8 || candles[0].TradeCount != 5 {
		t.Errorf("imported candles = %+v", candles)
	}

	goodPath := archive.LocalPath(rawDir, dir.Symbol("BTCUSDT")+"/"+good)
	digest, _ := archive.FileDigest(goodPath)
	if ok, err := manifest.IsParsed(ctx, goodPath, digest); err != nil || !ok {
		t.Errorf("good file not marked parsed: ok=%v err=%v", ok, err)
	}

	badPath := archive.LocalPath(rawDir, dir.Symbol("BTCUSDT")+"/"+bad)
	for _, p := range []string{badPath, archive.VerifiedPath(badPath), archive.ChecksumPath(badPath)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s survived a parse failure", filepath.Base(p))
		}
	}

	// The second sync downloads only the removed file and imports nothing new.
	dl.urls = nil
	delete(dl.bodies, base+bad)
	if err := g.SyncDir(ctx, dir); err != nil {
		t.Fatalf("second SyncDir: %v", err)
	}
	for _, u := range dl.urls {
		if strings.HasSuffix(u, good) {
			t.Errorf("verified file downloaded again: %s", u)
		}
	}
}

// ---------------------------------------------------------------------------
// Live
// ---------------------------------------------------------------------------

func TestLiveGathererWritesClosedCandles(t *testing.T) {
	start := day0.UnixMilli()
	msg := func(closed bool, ts int64) string {
		return fmt.Sprintf(`{"stream":"btcusdt@kline_1m","data":{"e":"kline","E":%d,"s":"BTCUSDT","k":{"t":%d,"T":%d,"s":"BTCUSDT","i":"1m","o":"100.0","c":"101.0","h":"102.0","l":"99.0","v":"3.5","n":7,"x":%t,"q":"350.0","V":"1.5","Q":"150.0"}}}`,
			ts+60000, ts, ts+59999, closed)
	}

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range []string{msg(false, start), msg(true, start), msg(true, start+60000)} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	src := &fakeSource{
		profile: domain.UMFutures.Profile(),
		infos:   []source.SymbolInfo{{Symbol: "BTCUSDT", Status: "TRADING", QuoteAsset: "USDT"}},
	}
	ps := store.NewParquetStore(t.TempDir())
	g := NewLiveGatherer(src, ps, LiveOptions{
		Stream: stream.ManagerOptions{
			Base:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/",
			Shards: 2,
			Client: stream.Options{IdleTimeout: time.Second, Sleep: noSleep},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	key := store.SeriesKey{Region: store.RegionAPI, TradeType: domain.UMFutures, Symbol: "BTCUSDT", Interval: "1m"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := ps.ReadCandles(context.Background(), key)
		if len(got) == 2 {
			if got[0].Close != 101 || got[0].TradeCount != 7 {
				t.Errorf("stored candle = %+v", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for 2 candles, have %d", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
