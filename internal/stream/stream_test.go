package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"

	"klinelake/internal/domain"
)

// fakeServer is a websocket endpoint that rejects the first reject
// handshakes and then runs serve on every accepted connection.
type fakeServer struct {
	srv      *httptest.Server
	reject   int32
	hits     atomic.Int32
	upgrader websocket.Upgrader
	serve    func(conn *websocket.Conn)
}

func newFakeServer(t *testing.T, reject int32, serve func(conn *websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{reject: reject, serve: serve}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fs.hits.Add(1) <= fs.reject {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/stream?streams=btcusdt@kline_1m"
}

func klineJSON(symbol string, start int64, closed bool) string {
	return fmt.Sprintf(`{"stream":"%s@kline_1m","data":{"e":"kline","E":%d,"s":"%s","k":{"t":%d,"T":%d,"s":"%s","i":"1m","f":1,"L":9,"o":"100.0","c":"101.0","h":"102.0","l":"99.0","v":"3.5","n":7,"x":%t,"q":"350.0","V":"1.5","Q":"150.0","B":"0"}}}`,
		strings.ToLower(symbol), start+60000, symbol, start, start+59999, symbol, closed)
}

func testOptions() Options {
	return Options{
		MaxReconnects:    5,
		IdleTimeout:      time.Second,
		QueueSize:        100,
		HandshakeTimeout: time.Second,
		Sleep:            func(context.Context, time.Duration) error { return nil },
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, c *Client) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}, false
}

func TestReconnectWait(t *testing.T) {
	tests := []struct {
		attempts int
		r        float64
		want     time.Duration
	}{
		{0, 0.9, time.Second},       // min(60, 0) = 0
		{1, 0.0, time.Second},       // round(0 + 1)
		{3, 0.5, 5 * time.Second},   // round(0.5*7 + 1) = round(4.5)
		{10, 0.99, 60 * time.Second}, // capped at 60: round(59.4 + 1)
	}
	for _, tt := range tests {
		got := ReconnectWait(tt.attempts, 60, tt.r)
		if got != tt.want {
			t.Errorf("ReconnectWait(%d, 60, %v) = %v, want %v", tt.attempts, tt.r, got, tt.want)
		}
	}
}

func TestMaxReconnectsProducesFatal(t *testing.T) {
	fs := newFakeServer(t, 1<<30, nil)
	c := NewClient(fs.url(), testOptions())
	defer c.Close()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("first handshake should fail")
	}

	ev, ok := nextEvent(t, c)
	if !ok {
		t.Fatal("events closed without fatal marker")
	}
	var fe *FatalError
	if !errors.As(ev.Err, &fe) || fe.Reason != ReasonMaxReconnects {
		t.Fatalf("event err = %v, want %q", ev.Err, ReasonMaxReconnects)
	}
	if !errors.Is(ev.Err, ErrFatal) {
		t.Error("fatal marker does not match ErrFatal")
	}
	if _, ok := nextEvent(t, c); ok {
		t.Error("events still open after fatal marker")
	}
	if got := fs.hits.Load(); got != 5 {
		t.Errorf("handshakes = %d, want 5", got)
	}
	if c.State() != Exiting {
		t.Errorf("state = %v, want exiting", c.State())
	}
}

func TestReconnectResetsAttempts(t *testing.T) {
	fs := newFakeServer(t, 2, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000, true)))
		time.Sleep(time.Second)
	})
	c := NewClient(fs.url(), testOptions())
	defer c.Close()

	c.Connect(context.Background())
	ev, ok := nextEvent(t, c)
	if !ok || ev.Err != nil {
		t.Fatalf("event = %+v, %v", ev, ok)
	}
	if c.Attempts() != 0 {
		t.Errorf("attempts = %d, want 0 after a successful handshake", c.Attempts())
	}
	if c.State() != Streaming {
		t.Errorf("state = %v, want streaming", c.State())
	}
	if got := c.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestDisconnectReconnects(t *testing.T) {
	var conns atomic.Int32
	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		n := conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000+int64(n)*60000, true)))
		if n > 1 {
			time.Sleep(time.Second)
		}
		// the first connection closes right away
	})
	c := NewClient(fs.url(), testOptions())
	defer c.Close()

	c.Connect(context.Background())
	for i := 0; i < 2; i++ {
		ev, ok := nextEvent(t, c)
		if !ok || ev.Err != nil {
			t.Fatalf("event %d = %+v, %v", i, ev, ok)
		}
	}
	if c.Dials() < 2 {
		t.Errorf("dials = %d, want at least 2", c.Dials())
	}
}

func TestClosedCandlesOnly(t *testing.T) {
	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000, false)))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000060000, true)))
		time.Sleep(time.Second)
	})
	c := NewClient(fs.url(), testOptions())
	defer c.Close()
	c.Connect(context.Background())

	ev, _ := nextEvent(t, c)
	if ev.Err != nil {
		t.Fatalf("unexpected fatal: %v", ev.Err)
	}
	want := time.UnixMilli(1700000060000).UTC()
	if !ev.Candle.BeginTime.Equal(want) {
		t.Errorf("begin = %v, want the closed candle at %v", ev.Candle.BeginTime, want)
	}
	if ev.Symbol != "BTCUSDT" || ev.Interval != "1m" {
		t.Errorf("symbol/interval = %s/%s", ev.Symbol, ev.Interval)
	}
	k := ev.Candle
	if k.Open != 100 || k.High != 102 || k.Low != 99 || k.Close != 101 || k.Volume != 3.5 ||
		k.QuoteVolume != 350 || k.TradeCount != 7 || k.TakerBuyBaseVolume != 1.5 || k.TakerBuyQuoteVolume != 150 {
		t.Errorf("candle = %+v", k)
	}
}

func TestGzipFrames(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(klineJSON("ETHUSDT", 1700000000000, true)))
	zw.Close()

	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
		time.Sleep(time.Second)
	})
	c := NewClient(fs.url(), testOptions())
	defer c.Close()
	c.Connect(context.Background())

	ev, _ := nextEvent(t, c)
	if ev.Err != nil || ev.Symbol != "ETHUSDT" {
		t.Errorf("event = %+v", ev)
	}
}

func TestQueueOverflow(t *testing.T) {
	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		for i := int64(0); i < 5; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000+i*60000, true)))
		}
		time.Sleep(time.Second)
	})
	opts := testOptions()
	opts.QueueSize = 2
	c := NewClient(fs.url(), opts)
	defer c.Close()
	c.Connect(context.Background())

	waitFor(t, "exiting state", func() bool { return c.State() == Exiting })

	var candles int
	var fatal error
	for ev := range c.Events() {
		if ev.Err != nil {
			fatal = ev.Err
			continue
		}
		candles++
	}
	if candles != 2 {
		t.Errorf("candles = %d, want 2", candles)
	}
	var fe *FatalError
	if !errors.As(fatal, &fe) || fe.Reason != ReasonQueueOverflow {
		t.Errorf("fatal = %v, want %q", fatal, ReasonQueueOverflow)
	}
}

func TestIdleTimeoutKeepsConnection(t *testing.T) {
	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		time.Sleep(150 * time.Millisecond)
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000, true)))
		time.Sleep(time.Second)
	})
	opts := testOptions()
	opts.IdleTimeout = 30 * time.Millisecond
	c := NewClient(fs.url(), opts)
	defer c.Close()
	c.Connect(context.Background())

	ev, ok := nextEvent(t, c)
	if !ok || ev.Err != nil {
		t.Fatalf("event = %+v, %v", ev, ok)
	}
	if c.Dials() != 1 {
		t.Errorf("dials = %d, want 1", c.Dials())
	}
}

func TestCloseStopsReadLoop(t *testing.T) {
	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})
	c := NewClient(fs.url(), testOptions())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if _, ok := <-c.Events(); ok {
		t.Error("events open after Close")
	}
	if c.State() != Exiting {
		t.Errorf("state = %v, want exiting", c.State())
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/stream", testOptions())
	c.Close()
	if _, ok := <-c.Events(); ok {
		t.Error("events open after Close")
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestCloseRacingConnect(t *testing.T) {
	fs := newFakeServer(t, 0, func(conn *websocket.Conn) {
		time.Sleep(2 * time.Second)
	})
	for i := 0; i < 20; i++ {
		c := NewClient(fs.url(), testOptions())
		connected := make(chan struct{})
		go func() {
			c.Connect(context.Background())
			close(connected)
		}()
		c.Close()
		// Whichever side won, the read loop is gone and events is closed.
		select {
		case _, ok := <-c.Events():
			if ok {
				t.Fatalf("iteration %d: unexpected event", i)
			}
		default:
			t.Fatalf("iteration %d: events still open after Close returned", i)
		}
		<-connected
	}
}

func TestShardStable(t *testing.T) {
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT", "ADAUSDT"}
	for _, s := range symbols {
		first := Shard(s, 4)
		if first < 0 || first >= 4 {
			t.Fatalf("Shard(%s) = %d out of range", s, first)
		}
		if Shard(s, 4) != first || Shard(strings.ToLower(s), 4) != first {
			t.Errorf("Shard(%s) is not stable", s)
		}
	}

	groups := Partition(symbols, 4)
	total := 0
	for i, g := range groups {
		for _, s := range g {
			if Shard(s, 4) != i {
				t.Errorf("%s in group %d, want %d", s, i, Shard(s, 4))
			}
		}
		total += len(g)
	}
	if total != len(symbols) {
		t.Errorf("partitioned %d symbols, want %d", total, len(symbols))
	}
}

func TestStreamURL(t *testing.T) {
	got := StreamURL("wss://fstream.binance.com", []string{"BTCUSDT", "ETHUSDT"}, domain.MustParseInterval("1m"))
	want := "wss://fstream.binance.com/stream?streams=btcusdt@kline_1m/ethusdt@kline_1m"
	if got != want {
		t.Errorf("StreamURL = %q, want %q", got, want)
	}
}

func TestManagerDispatchesAndRestarts(t *testing.T) {
	var conns atomic.Int32
	srv := newFakeServer(t, 0, func(conn *websocket.Conn) {
		n := conns.Add(1)
		conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000+int64(n)*60000, true)))
		// Overflow the single-slot queue so the client gives up.
		for i := 0; i < 3; i++ {
			conn.WriteMessage(websocket.TextMessage, []byte(klineJSON("BTCUSDT", 1700000000000, true)))
		}
		time.Sleep(time.Second)
	})

	var mu sync.Mutex
	seen := map[int64]bool{}
	handler := func(_ context.Context, symbol string, c domain.Candle) {
		mu.Lock()
		seen[c.BeginTime.UnixMilli()] = true
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}

	opts := testOptions()
	opts.QueueSize = 1
	m := NewManager(ManagerOptions{
		Base:         "ws" + strings.TrimPrefix(srv.srv.URL, "http") + "/",
		Interval:     domain.MustParseInterval("1m"),
		Shards:       1,
		RestartDelay: 10 * time.Millisecond,
		Client:       opts,
	}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, []string{"BTCUSDT"})
	defer m.Close()

	waitFor(t, "second connection", func() bool { return conns.Load() >= 2 })
	waitFor(t, "candle from second connection", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[1700000000000+2*60000]
	})
}
