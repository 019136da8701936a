package stream

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"klinelake/internal/domain"
)

// Handler receives every closed candle. It runs on the consumer goroutine of
// the shard, so calls for one shard are sequential.
type Handler func(ctx context.Context, symbol string, candle domain.Candle)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Base         string // stream base URL, e.g. wss://fstream.binance.com/
	Interval     domain.Interval
	Shards       int
	RestartDelay time.Duration
	Client       Options // template for every shard client
	Logger       *slog.Logger
}

// Manager runs one Client per shard and restarts shards whose client gave
// up.
type Manager struct {
	opts    ManagerOptions
	handler Handler
	log     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	shards []*shardRunner
	wg     sync.WaitGroup
}

type shardRunner struct {
	idx     int
	symbols []string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a Manager that dispatches candles to handler.
func NewManager(opts ManagerOptions, handler Handler) *Manager {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:    opts,
		handler: handler,
		log:     opts.Logger.With("component", "stream_manager"),
		shards:  make([]*shardRunner, opts.Shards),
	}
}

// Start launches the shards for symbols. Shards stop when ctx is cancelled
// or Close is called.
func (m *Manager) Start(ctx context.Context, symbols []string) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
	m.SetSymbols(symbols)
}

// SetSymbols applies a new symbol universe. Only shards whose membership
// changed are rebuilt.
func (m *Manager) SetSymbols(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return
	}

	groups := Partition(symbols, m.opts.Shards)
	rebuilt := 0
	for i, group := range groups {
		cur := m.shards[i]
		if cur == nil && len(group) == 0 {
			continue
		}
		if cur != nil && slices.Equal(cur.symbols, group) {
			continue
		}
		if cur != nil {
			cur.stop()
		}
		m.shards[i] = nil
		rebuilt++
		if len(group) == 0 {
			continue
		}
		m.shards[i] = m.startShard(i, group)
	}
	if rebuilt > 0 {
		m.log.Info("stream shards updated", "rebuilt", rebuilt, "symbols", len(symbols))
	}
}

// Close stops every shard and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	for i, s := range m.shards {
		if s != nil {
			s.cancel()
		}
		m.shards[i] = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) startShard(idx int, symbols []string) *shardRunner {
	ctx, cancel := context.WithCancel(m.ctx)
	s := &shardRunner{idx: idx, symbols: symbols, cancel: cancel, done: make(chan struct{})}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(s.done)
		m.runShard(ctx, s)
	}()
	return s
}

func (s *shardRunner) stop() {
	s.cancel()
	<-s.done
}

// runShard keeps a client alive for the shard. A client ends with a fatal
// marker; after RestartDelay a fresh connection cycle begins.
func (m *Manager) runShard(ctx context.Context, s *shardRunner) {
	url := StreamURL(m.opts.Base, s.symbols, m.opts.Interval)
	name := fmt.Sprintf("%d", s.idx)
	log := m.log.With("shard", s.idx)

	for ctx.Err() == nil {
		opts := m.opts.Client
		opts.Name = name
		client := NewClient(url, opts)
		if err := client.Connect(ctx); err != nil {
			log.Warn("stream connect failed, retrying in read loop", "error", err)
		}

		for ev := range client.Events() {
			if ev.Err != nil {
				log.Error("stream client gave up", "error", ev.Err)
				break
			}
			m.handler(ctx, ev.Symbol, ev.Candle)
		}
		client.Close()

		select {
		case <-ctx.Done():
		case <-time.After(m.opts.RestartDelay):
			log.Info("restarting stream client")
		}
	}
}
